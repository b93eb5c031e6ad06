package models

const (
	ErrTypeIndexNotFound = "index_not_found"
	ErrTypeItemNotFound  = "item_not_found"
	ErrTypeStoreFull     = "store_full"
	ErrTypeInvalidRegion = "invalid_region"
)
