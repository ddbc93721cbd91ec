package rval

import "fmt"

// DataType is the declared type of a variable. It is advisory: the store
// records it for reporting but does not coerce values.
type DataType string

const (
	TypeNone   DataType = ""
	TypeString DataType = "string"
	TypeInt    DataType = "int"
	TypeReal   DataType = "real"
	TypeSlist  DataType = "slist"
	TypeIlist  DataType = "ilist"
	TypeRlist  DataType = "rlist"
	TypeData   DataType = "data"
	TypeMenu   DataType = "menu"
)

// IsList reports whether t is one of the list types.
func (t DataType) IsList() bool {
	return t == TypeSlist || t == TypeIlist || t == TypeRlist
}

// Validate checks if the data type is known.
func (t DataType) Validate() error {
	switch t {
	case TypeNone, TypeString, TypeInt, TypeReal, TypeSlist,
		TypeIlist, TypeRlist, TypeData, TypeMenu:
		return nil
	default:
		return fmt.Errorf("invalid data type: %s", t)
	}
}

// TypeOf infers the data type of a value: scalars are strings, lists are
// slists and containers are data.
func TypeOf(r Rval) DataType {
	switch r.Kind() {
	case KindList:
		return TypeSlist
	case KindContainer:
		return TypeData
	default:
		return TypeString
	}
}
