package orders

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment status only moves forward; paid and failed are final.
var validNextPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending: {PaymentPaid: true, PaymentFailed: true},
	PaymentPaid:    {},
	PaymentFailed:  {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validNextPayment[from][to]
}

func (s PaymentStatus) Valid() bool {
	_, ok := validNextPayment[s]
	return ok
}

type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliveryConfirmed      DeliveryStatus = "confirmed"
	DeliveryReady          DeliveryStatus = "ready"
	DeliveryAssigned       DeliveryStatus = "assigned"
	DeliveryOutForDelivery DeliveryStatus = "out_for_delivery"
	DeliveryDelivered      DeliveryStatus = "delivered"
	DeliveryCompleted      DeliveryStatus = "completed"
	DeliveryCancelled      DeliveryStatus = "cancelled"
)

var validNextDelivery = map[DeliveryStatus]map[DeliveryStatus]bool{
	DeliveryPending:        {DeliveryConfirmed: true, DeliveryReady: true, DeliveryCancelled: true},
	DeliveryConfirmed:      {DeliveryReady: true, DeliveryAssigned: true, DeliveryCancelled: true},
	DeliveryReady:          {DeliveryAssigned: true, DeliveryCancelled: true},
	DeliveryAssigned:       {DeliveryReady: true, DeliveryOutForDelivery: true, DeliveryCancelled: true},
	DeliveryOutForDelivery: {DeliveryDelivered: true, DeliveryCancelled: true},
	DeliveryDelivered:      {DeliveryCompleted: true},
	DeliveryCompleted:      {},
	DeliveryCancelled:      {},
}

func CanTransitionDelivery(from, to DeliveryStatus) bool {
	return validNextDelivery[from][to]
}

func (s DeliveryStatus) Valid() bool {
	_, ok := validNextDelivery[s]
	return ok
}
