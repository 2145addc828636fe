package orders

const (
	TopicOrderPaid     = "order.paid"
	TopicFulfillment   = "order.fulfillment"
	TopicNotifications = "order.notifications"
)

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
