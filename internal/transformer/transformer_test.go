package transformer

import (
	"context"
	"strings"
	"testing"
	"time"

	"storesync/internal/pipeline"
	"storesync/internal/record"
)

func decodeBatch(t *testing.T, js string) record.Batch {
	t.Helper()
	var doc []any
	if err := record.DecodeJSON(strings.NewReader(js), &doc); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	b, err := record.FromArray(doc)
	if err != nil {
		t.Fatalf("FromArray: %v", err)
	}
	return b
}

func fixedOpts() Options {
	return Options{
		Now:      func() time.Time { return time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC) },
		Location: time.FixedZone("BRT", -3*3600),
	}
}

func findTable(t *testing.T, tables []Table, name string) Table {
	t.Helper()
	for _, tb := range tables {
		if tb.Name == name {
			return tb
		}
	}
	t.Fatalf("table %s not produced", name)
	return Table{}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	in := decodeBatch(t, `[{"id":1,"tags":["a","b"],"meta":{"x":1}},{"id":2,"tags":null,"meta":"plain"}]`)
	out := Sanitize(in)

	if got, _ := out[0].Get("tags").Text(); got != `["a","b"]` {
		t.Fatalf("tags: got %q", got)
	}
	if got, _ := out[0].Get("meta").Text(); got != `{"x":1}` {
		t.Fatalf("meta: got %q", got)
	}
	if !out[1].Get("tags").IsNull() {
		t.Fatalf("null must stay null")
	}
	if got, _ := out[1].Get("meta").Text(); got != "plain" {
		t.Fatalf("scalar changed: %q", got)
	}
	if !in[0].Get("tags").IsNested() {
		t.Fatalf("input was mutated")
	}

	again := Sanitize(out)
	for i := range out {
		for _, k := range out[i].Keys() {
			if !again[i].Get(k).Equal(out[i].Get(k)) {
				t.Fatalf("not idempotent at row %d field %s", i, k)
			}
		}
	}

	if got := Sanitize(nil); len(got) != 0 {
		t.Fatalf("empty batch: got %d rows", len(got))
	}
}

func TestOrders_ProjectDiscountDedupe(t *testing.T) {
	t.Parallel()

	b := decodeBatch(t, `[
		{"id":10,"shop_slug":"loja-a","customer":{"id":7,"first_name":"Ana"},
		 "discount_codes":[{"local_currency_discount_amount":"5,50"},{"local_currency_discount_amount":2},{"code":"x"}],
		 "line_items":[{"id":100,"name":"Mug","local_currency_item_total_price":"19,90","quantity":2,"sku":123}],
		 "unknown_field":"dropped"},
		{"id":10,"shop_slug":"loja-b"},
		{"id":null,"shop_slug":"loja-c"},
		{"id":11,"shop_slug":"loja-a","line_items":[{"id":101,"title":"Cup"},"junk"]}
	]`)

	tables, err := Orders{Opts: fixedOpts()}.Transform(context.Background(), b)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables: got %d want 2", len(tables))
	}

	orders := findTable(t, tables, OrdersTable)
	if orders.Key != "id" {
		t.Fatalf("orders key: %q", orders.Key)
	}
	if len(orders.Rows) != 2 {
		t.Fatalf("orders rows: got %d want 2", len(orders.Rows))
	}
	first := orders.Rows[0]
	if got, _ := first.Get("shop_slug").Text(); got != "loja-a" {
		t.Fatalf("first duplicate must win, got slug %q", got)
	}
	if got, _ := first.Get(DiscountColumn).Float(); got != 7.5 {
		t.Fatalf("discount: got %v want 7.5", got)
	}
	if got, _ := first.Get("customer_first_name").Text(); got != "Ana" {
		t.Fatalf("customer_first_name: got %v", first.Get("customer_first_name"))
	}
	if _, ok := first.Lookup("unknown_field"); ok {
		t.Fatalf("unprojected field leaked")
	}
	if !first.Get("payment_gateway").IsNull() {
		t.Fatalf("missing projected field should be null")
	}
	if got, _ := first.Get(StampColumn).Text(); got != "2025-03-01T12:00:00-03:00" {
		t.Fatalf("stamp: got %q", got)
	}
	if got, _ := orders.Rows[1].Get(DiscountColumn).Float(); got != 0 {
		t.Fatalf("no discount codes should sum to 0, got %v", got)
	}

	items := findTable(t, tables, LineItemTable)
	if items.Key != "item_id" || len(items.Rows) != 2 {
		t.Fatalf("items: key=%q rows=%d", items.Key, len(items.Rows))
	}
	mug := items.Rows[0]
	if v, _ := mug.Get("order_id").Int(); v != 10 {
		t.Fatalf("order_id: got %v", mug.Get("order_id"))
	}
	if got, _ := mug.Get("price").Text(); got != "19,90" {
		t.Fatalf("price: got %v", mug.Get("price"))
	}
	if got, _ := mug.Get("sku").Text(); got != "123" {
		t.Fatalf("numeric sku should decode as text, got %v", mug.Get("sku"))
	}
	if !items.Rows[1].Get("product_name").IsNull() {
		t.Fatalf("absent name should be null")
	}
	if got := strings.Join(mug.Keys(), ","); !strings.HasPrefix(got, "order_id,item_id,product_name,title,price") {
		t.Fatalf("item column order: %s", got)
	}
}

func TestCustomers_RenameAndAddresses(t *testing.T) {
	t.Parallel()

	b := decodeBatch(t, `[
		{"id":1,"email":"a@x","shop_slug":"s","default_address":{"city":"Recife","zip":"50000"},
		 "addresses":[{"id":9,"city":"Recife","default":true}]},
		{"id":2,"shop_slug":"s","address":[{"id":10,"zip":12345}]},
		{"id":1,"email":"dup@x"}
	]`)

	tables, err := Customers{Opts: fixedOpts()}.Transform(context.Background(), b)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	cust := findTable(t, tables, CustomersTable)
	if len(cust.Rows) != 2 {
		t.Fatalf("customers: got %d want 2", len(cust.Rows))
	}
	if got, _ := cust.Rows[0].Get("city").Text(); got != "Recife" {
		t.Fatalf("city: got %v", cust.Rows[0].Get("city"))
	}
	if _, ok := cust.Rows[0].Lookup("default_address_city"); ok {
		t.Fatalf("default_address.city should have been renamed")
	}
	if got, _ := cust.Rows[0].Get("email").Text(); got != "a@x" {
		t.Fatalf("first customer must win, got %q", got)
	}

	addr := findTable(t, tables, AddressesTable)
	if addr.Key != "address_id" || len(addr.Rows) != 2 {
		t.Fatalf("addresses: key=%q rows=%d", addr.Key, len(addr.Rows))
	}
	if v, _ := addr.Rows[0].Get("default").Bool(); !v {
		t.Fatalf("default flag: got %v", addr.Rows[0].Get("default"))
	}
	if got, _ := addr.Rows[1].Get("zip").Text(); got != "12345" {
		t.Fatalf("zip: got %v", addr.Rows[1].Get("zip"))
	}
	if v, _ := addr.Rows[1].Get("customer_id").Int(); v != 2 {
		t.Fatalf("customer_id: got %v", addr.Rows[1].Get("customer_id"))
	}
}

func TestConfiguredTagFieldLoadsAsShopSlug(t *testing.T) {
	t.Parallel()

	orders := decodeBatch(t, `[{"id":10,"loja":"nutra-force","line_items":[{"id":101,"title":"Cup"}]}]`)
	customers := decodeBatch(t, `[{"id":1,"loja":"nutra-force","addresses":[{"id":9}]}]`)

	opts := fixedOpts()
	opts.TagField = "loja"

	tests := []struct {
		name   string
		tr     pipeline.Transformer
		in     record.Batch
		tables []string
	}{
		{name: "orders", tr: Orders{Opts: opts}, in: orders, tables: []string{OrdersTable, LineItemTable}},
		{name: "customers", tr: Customers{Opts: opts}, in: customers, tables: []string{CustomersTable, AddressesTable}},
	}
	for _, tt := range tests {
		tables, err := tt.tr.Transform(context.Background(), tt.in)
		if err != nil {
			t.Fatalf("%s: Transform: %v", tt.name, err)
		}
		for _, name := range tt.tables {
			tb := findTable(t, tables, name)
			if len(tb.Rows) != 1 {
				t.Fatalf("%s/%s: got %d rows", tt.name, name, len(tb.Rows))
			}
			if got, _ := tb.Rows[0].Get(TenantColumn).Text(); got != "nutra-force" {
				t.Fatalf("%s/%s: %s got %v", tt.name, name, TenantColumn, tb.Rows[0].Get(TenantColumn))
			}
			if _, ok := tb.Rows[0].Lookup("loja"); ok {
				t.Fatalf("%s/%s: raw tag field leaked into output", tt.name, name)
			}
		}
	}
}

func TestTickets_HTMLText(t *testing.T) {
	t.Parallel()

	b := decodeBatch(t, `[{"id":"42","subject":"Help","htmlDescription":"<p>Hello<br>World</p><script>x()</script>",
		"owner":{"description":"<b>Agent</b> one"},"actions":[{"htmlDescription":"<p>nested</p>"}]}]`)

	tables, err := Tickets{}.Transform(context.Background(), b)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	tk := findTable(t, tables, TicketsTable)
	r := tk.Rows[0]

	if got, _ := r.Get("htmldescription_text").Text(); got != "Hello World" {
		t.Fatalf("htmldescription_text: got %q", got)
	}
	if got, _ := r.Get("owner_description_text").Text(); got != "Agent one" {
		t.Fatalf("owner_description_text: got %q", got)
	}
	if got, _ := r.Get("htmldescription").Text(); !strings.Contains(got, "<p>") {
		t.Fatalf("original html must be kept, got %q", got)
	}
	if !r.Get("actions").IsNested() {
		t.Fatalf("arrays stay nested until sanitized")
	}
}

func TestIdentityAndRegistry(t *testing.T) {
	t.Parallel()

	if _, err := New("nope", Options{}); err == nil {
		t.Fatalf("expected error for unknown transform")
	}
	if _, err := New(NameIdentity, Options{}); err == nil {
		t.Fatalf("identity without table should fail")
	}
	if !Known(NameTickets) || Known("nope") {
		t.Fatalf("Known mismatch")
	}
	if got := strings.Join(Names(), ","); got != "addresses,customers,identity,line_items,orders,tickets" {
		t.Fatalf("Names: %s", got)
	}

	tr, err := New(NameIdentity, Options{Table: "Products"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tables, err := tr.Transform(context.Background(), decodeBatch(t, `[{"id":1,"Variant":{"SKU":"a"}}]`))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if tables[0].Name != "products" || tables[0].Key != "id" {
		t.Fatalf("identity table: %+v", tables[0])
	}
	if got, _ := tables[0].Rows[0].Get("variant_sku").Text(); got != "a" {
		t.Fatalf("variant_sku: got %v", tables[0].Rows[0].Get("variant_sku"))
	}
}

func TestTransform_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Orders{}).Transform(ctx, nil); err == nil {
		t.Fatalf("expected context error")
	}
}
