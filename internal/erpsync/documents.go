package erpsync

import (
	"github.com/ariefcatur/go-checkout-reconciler/internal/erp"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

const erpDate = "2006-01-02"

type docSet struct {
	so erp.SalesOrder
	si erp.SalesInvoice
	dn erp.DeliveryNote
}

// documents builds the three drafts for ord. The order number is carried
// as po_no on every document so the ERP side can be searched by it.
func (o *Orchestrator) documents(ord *orders.Order) docSet {
	placed := ord.CreatedAt
	if ord.PaidAt != nil {
		placed = *ord.PaidAt
	}
	day := placed.Format(erpDate)
	delivery := placed.Add(o.cfg.DeliveryLead).Format(erpDate)

	customer := o.cfg.Customer
	if customer == "" {
		customer = ord.CustomerName
	}

	items := make([]erp.DocItem, 0, len(ord.Items))
	for _, it := range ord.Items {
		items = append(items, erp.DocItem{
			ItemCode:  it.ItemCode,
			Qty:       it.Quantity,
			Rate:      it.UnitPrice,
			Warehouse: o.cfg.Warehouse,
		})
	}

	return docSet{
		so: erp.SalesOrder{
			Customer:        customer,
			Company:         o.cfg.Company,
			TransactionDate: day,
			DeliveryDate:    delivery,
			SetWarehouse:    o.cfg.Warehouse,
			PONo:            ord.OrderNumber,
			Items:           withItems(items, func(i *erp.DocItem) { i.DeliveryDate = delivery }),
		},
		si: erp.SalesInvoice{
			Customer:    customer,
			Company:     o.cfg.Company,
			PostingDate: day,
			DueDate:     day,
			PONo:        ord.OrderNumber,
			// the delivery note moves the stock
			UpdateStock: 0,
			Items:       items,
		},
		dn: erp.DeliveryNote{
			Customer:     customer,
			Company:      o.cfg.Company,
			PostingDate:  day,
			SetWarehouse: o.cfg.Warehouse,
			PONo:         ord.OrderNumber,
			Items:        items,
		},
	}
}

// forType returns the draft for doctype, linked to salesOrder when known.
func (d docSet) forType(doctype, salesOrder string) any {
	switch doctype {
	case erp.DocSalesOrder:
		return d.so
	case erp.DocSalesInvoice:
		si := d.si
		si.Items = withItems(si.Items, func(i *erp.DocItem) { i.SalesOrder = salesOrder })
		return si
	default:
		dn := d.dn
		dn.Items = withItems(dn.Items, func(i *erp.DocItem) { i.AgainstSalesOrder = salesOrder })
		return dn
	}
}

func withItems(in []erp.DocItem, fn func(*erp.DocItem)) []erp.DocItem {
	out := make([]erp.DocItem, len(in))
	copy(out, in)
	for i := range out {
		fn(&out[i])
	}
	return out
}
