package postgres

import "storesync/internal/storage"

func init() {
	storage.Register("postgres", New)
}
