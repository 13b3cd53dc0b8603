package transformer

import (
	"context"

	"storesync/internal/record"
)

// Output tables of the customers transforms.
const (
	CustomersTable = "cartpanda_customers"
	AddressesTable = "cartpanda_addresses"
)

var customerFields = []string{
	"id", "email", "first_name", "last_name", "shop_id", TenantColumn, "created_at",
	"default_address.country", "default_address.city", "default_address.zip", "default_address.province",
}

var customerRenames = map[string]string{
	"default_address.country":  "country",
	"default_address.city":     "city",
	"default_address.zip":      "zip",
	"default_address.province": "province",
}

// Customers loads CustomersTable and, from the same records, AddressesTable.
type Customers struct {
	Opts Options
}

func (t Customers) Transform(ctx context.Context, b record.Batch) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stamp := t.Opts.stamp()

	rows := make(record.Batch, 0, len(b))
	for _, raw := range b {
		flat := record.Flatten(raw, ".")
		flat.Set(TenantColumn, t.Opts.tenant(raw))
		r := project(flat, customerFields)
		for from, to := range customerRenames {
			r.Rename(from, to)
		}
		r.Set(StampColumn, stamp)
		rows = append(rows, r)
	}
	rows, nulls, dups := uniqueByID(rows, "id")
	if nulls > 0 || dups > 0 {
		t.Opts.log().WithField("table", CustomersTable).Infof("dropped customers null_ids=%d duplicates=%d", nulls, dups)
	}

	return []Table{
		table(CustomersTable, "id", rows),
		table(AddressesTable, "address_id", explodeAddresses(t.Opts, b)),
	}, nil
}

// Address is one entry of a customer's address list.
type Address struct {
	ID           any     `mapstructure:"id"`
	FirstName    *string `mapstructure:"first_name"`
	LastName     *string `mapstructure:"last_name"`
	Company      *string `mapstructure:"company"`
	Address1     *string `mapstructure:"address1"`
	Address2     *string `mapstructure:"address2"`
	City         *string `mapstructure:"city"`
	Province     *string `mapstructure:"province"`
	Country      *string `mapstructure:"country"`
	Zip          *string `mapstructure:"zip"`
	Phone        *string `mapstructure:"phone"`
	ProvinceCode *string `mapstructure:"province_code"`
	CountryCode  *string `mapstructure:"country_code"`
	Default      any     `mapstructure:"default"`
}

func (a Address) record(customerID, slug record.Value) *record.Record {
	return record.New(
		record.F("customer_id", customerID),
		record.F("address_id", a.ID),
		record.F("first_name", text(a.FirstName)),
		record.F("last_name", text(a.LastName)),
		record.F("company", text(a.Company)),
		record.F("address1", text(a.Address1)),
		record.F("address2", text(a.Address2)),
		record.F("city", text(a.City)),
		record.F("province", text(a.Province)),
		record.F("country", text(a.Country)),
		record.F("zip", text(a.Zip)),
		record.F("phone", text(a.Phone)),
		record.F("province_code", text(a.ProvinceCode)),
		record.F("country_code", text(a.CountryCode)),
		record.F("default", a.Default),
		record.F(TenantColumn, slug),
	)
}

// addressList reads "addresses", falling back to the singular "address" that
// some API versions send.
func addressList(r *record.Record) []map[string]any {
	if v, ok := r.Lookup("addresses"); ok && !v.IsNull() {
		return objects(v)
	}
	return objects(r.Get("address"))
}

func explodeAddresses(opts Options, b record.Batch) record.Batch {
	var out record.Batch
	for _, c := range b {
		id, slug := c.Get("id"), opts.tenant(c)
		for i, m := range addressList(c) {
			var a Address
			if err := decode(m, &a); err != nil {
				opts.log().WithError(err).WithField("customer_id", id.String()).Warnf("skipping address %d", i)
				continue
			}
			out = append(out, a.record(id, slug))
		}
	}
	return out
}

// Addresses loads only AddressesTable.
type Addresses struct {
	Opts Options
}

func (t Addresses) Transform(ctx context.Context, b record.Batch) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Table{table(AddressesTable, "address_id", explodeAddresses(t.Opts, b))}, nil
}
