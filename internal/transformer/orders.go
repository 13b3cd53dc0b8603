package transformer

import (
	"context"

	"storesync/internal/record"
)

// Output tables of the orders transforms.
const (
	OrdersTable   = "cartpanda_orders"
	LineItemTable = "cartpanda_items"

	// DiscountColumn sums discount_codes[].local_currency_discount_amount.
	DiscountColumn = "discount_codes_local_currency_discount_amount"
)

// DefaultOrderFields is the flattened order projection loaded into
// OrdersTable, in column order.
var DefaultOrderFields = []string{
	"id", "status_id", "browser_ip", "buyer_accepts_marketing", "buyer_accepts_phone_marketing",
	"cancel_reason", "cancelled_at", "cart_token", "client_details", "closed_at",
	"contact_email", "created_at", "currency", "local_currency_amount",
	"local_currency_amount_without_tax", "local_currency_subtotal_price",
	"local_currency_total_discounts_set", "currency_symbol", "current_total_discounts",
	"current_total_discounts_set", "current_total_price", "current_total_price_set",
	"current_subtotal_price", "current_subtotal_price_set", "current_total_tax",
	"current_total_tax_set", "customer_locale", "email",
	"financial_status", "fulfillment_status", "landing_site", "location_id", "name",
	"note", "custom_notes", "note_attributes", "number", "order_number",
	"order_status_url", "payment.gateway", "payment.payment_type", "payment_details",
	"payment_brand", "phone", "presentment_currency", "processed_at", "processing_method",
	"referring_site", "source_name", "subtotal_price", "subtotal_price_set", "tags",
	"tax_lines", "taxes_included", "test", "token", "total_discounts", "total_discounts_set",
	"total_line_items_price", "total_line_items_price_set", "total_price",
	"total_price_set", "total_tax", "local_currency_total_tax", "total_tax_set",
	"total_price_without_tax", "total_tip_received", "total_weight", "updated_at",
	"customer.id", "customer.first_name", "customer.last_name", TenantColumn,
	"shipping_address.country", "shipping_address.house_no", "shipping_address.address",
	"shipping_address.province_code", "shipping_address.zip", "shipping_address.country_code",
	"shipping_address.city", "shipping_address.neighborhood", "shipping_address.phone",
	"shipping_lines.local_currency_shipping_price",
	DiscountColumn,
}

// Orders loads OrdersTable and, from the same records, LineItemTable.
type Orders struct {
	Opts Options
}

func (t Orders) Transform(ctx context.Context, b record.Batch) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := t.Opts.OrderFields
	if len(fields) == 0 {
		fields = DefaultOrderFields
	}
	stamp := t.Opts.stamp()

	rows := make(record.Batch, 0, len(b))
	for _, raw := range b {
		flat := record.Flatten(raw, ".")
		flat.Set(DiscountColumn, record.FloatValue(discountTotal(raw.Get("discount_codes"))))
		flat.Set(TenantColumn, t.Opts.tenant(raw))
		r := project(flat, fields)
		r.Set(StampColumn, stamp)
		rows = append(rows, r)
	}
	rows, nulls, dups := uniqueByID(rows, "id")
	if nulls > 0 || dups > 0 {
		t.Opts.log().WithField("table", OrdersTable).Infof("dropped orders null_ids=%d duplicates=%d", nulls, dups)
	}

	items := explodeItems(t.Opts, b)
	return []Table{
		table(OrdersTable, "id", rows),
		table(LineItemTable, "item_id", items),
	}, nil
}

func discountTotal(v record.Value) float64 {
	var total float64
	for _, d := range objects(v) {
		if f, ok := parseAmount(d["local_currency_discount_amount"]); ok {
			total += f
		}
	}
	return total
}

// LineItem is one entry of an order's line_items array.
type LineItem struct {
	ID               any     `mapstructure:"id"`
	Name             *string `mapstructure:"name"`
	Title            *string `mapstructure:"title"`
	Price            any     `mapstructure:"local_currency_item_total_price"`
	Quantity         any     `mapstructure:"quantity"`
	SKU              *string `mapstructure:"sku"`
	Vendor           *string `mapstructure:"vendor"`
	CurrencySymbol   *string `mapstructure:"currency_symbol"`
	TotalPrice       any     `mapstructure:"total_price"`
	ProductMainImage *string `mapstructure:"product_main_image"`
}

func (it LineItem) record(orderID, slug record.Value) *record.Record {
	return record.New(
		record.F("order_id", orderID),
		record.F("item_id", it.ID),
		record.F("product_name", text(it.Name)),
		record.F("title", text(it.Title)),
		record.F("price", it.Price),
		record.F("quantity", it.Quantity),
		record.F("sku", text(it.SKU)),
		record.F("vendor", text(it.Vendor)),
		record.F("currency_symbol", text(it.CurrencySymbol)),
		record.F("total_price", it.TotalPrice),
		record.F("product_main_image", text(it.ProductMainImage)),
		record.F(TenantColumn, slug),
	)
}

func explodeItems(opts Options, b record.Batch) record.Batch {
	var out record.Batch
	for _, order := range b {
		id, slug := order.Get("id"), opts.tenant(order)
		for i, m := range objects(order.Get("line_items")) {
			var it LineItem
			if err := decode(m, &it); err != nil {
				opts.log().WithError(err).WithField("order_id", id.String()).Warnf("skipping line item %d", i)
				continue
			}
			out = append(out, it.record(id, slug))
		}
	}
	return out
}

// LineItems loads only LineItemTable.
type LineItems struct {
	Opts Options
}

func (t LineItems) Transform(ctx context.Context, b record.Batch) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Table{table(LineItemTable, "item_id", explodeItems(t.Opts, b))}, nil
}
