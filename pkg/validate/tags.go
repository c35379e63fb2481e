package validate

import (
	"encoding/json"
	"math"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Tag names the expected shape of a parameter.
type Tag string

const (
	Address                Tag = "Address"
	ArrayOfAddresses       Tag = "ArrayOfAddresses"
	ArrayOfAmountAddress   Tag = "ArrayOfAmountAddress"
	Ban                    Tag = "Ban"
	ArrayOfBans            Tag = "ArrayOfBans"
	Boolean                Tag = "Boolean"
	ContractPrivateDetails Tag = "ContractPrivateDetails"
	Destination            Tag = "Destination"
	ArrayOfDestinations    Tag = "ArrayOfDestinations"
	Hash                   Tag = "Hash"
	ArrayOfHashes          Tag = "ArrayOfHashes"
	Integer                Tag = "Integer"
	ArrayOfIntegers        Tag = "ArrayOfIntegers"
	Max255Bytes            Tag = "Max255Bytes"
	OfferStructure         Tag = "OfferStructure"
	PaymentID              Tag = "PaymentId"
	ArrayOfPaymentIDs      Tag = "ArrayOfPaymentIds"
	Signature              Tag = "Signature"
	SignedKeyImage         Tag = "SignedKeyImage"
	ArrayOfSignedKeyImages Tag = "ArrayOfSignedKeyImages"
	String                 Tag = "String"
	ArrayOfStrings         Tag = "ArrayOfStrings"
)

const (
	addressLength           = 97
	integratedAddressLength = 108
	hashLength              = 64
	signatureLength         = 128
	shortPaymentIDLength    = 16
)

// Predicate reports whether a value has a tag's shape.
type Predicate func(v any) bool

var (
	predicatesMu sync.RWMutex
	predicates   = map[Tag]Predicate{
		Address:                isAddress,
		ArrayOfAddresses:       arrayOf(isAddress),
		ArrayOfAmountAddress:   arrayOf(isDestination),
		Ban:                    isBan,
		ArrayOfBans:            arrayOf(isBan),
		Boolean:                isBoolean,
		ContractPrivateDetails: isContractPrivateDetails,
		Destination:            isDestination,
		ArrayOfDestinations:    arrayOf(isDestination),
		Hash:                   isHash,
		ArrayOfHashes:          arrayOf(isHash),
		Integer:                isInteger,
		ArrayOfIntegers:        arrayOf(isInteger),
		Max255Bytes:            maxBytes(255),
		OfferStructure:         isOfferStructure,
		PaymentID:              isPaymentID,
		ArrayOfPaymentIDs:      arrayOf(isPaymentID),
		Signature:              isSignature,
		SignedKeyImage:         isSignedKeyImage,
		ArrayOfSignedKeyImages: arrayOf(isSignedKeyImage),
		String:                 isString,
		ArrayOfStrings:         arrayOf(isString),
	}
)

// Register adds or replaces the predicate for a tag.
func Register(tag Tag, p Predicate) {
	predicatesMu.Lock()
	defer predicatesMu.Unlock()
	predicates[tag] = p
}

func lookup(tag Tag) (Predicate, bool) {
	predicatesMu.RLock()
	defer predicatesMu.RUnlock()
	p, ok := predicates[tag]
	return p, ok
}

func isString(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.String
}

func stringOf(v any) (string, bool) {
	if !isString(v) {
		return "", false
	}
	return reflect.ValueOf(v).String(), true
}

func stringWithLength(v any, lengths ...int) bool {
	s, ok := stringOf(v)
	if !ok {
		return false
	}
	for _, l := range lengths {
		if len(s) == l {
			return true
		}
	}
	return false
}

func isAddress(v any) bool {
	return stringWithLength(v, addressLength, integratedAddressLength)
}

func isHash(v any) bool {
	return stringWithLength(v, hashLength)
}

func isSignature(v any) bool {
	return stringWithLength(v, signatureLength)
}

func isPaymentID(v any) bool {
	return stringWithLength(v, shortPaymentIDLength, hashLength)
}

func isBoolean(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Bool
}

// isInteger accepts any Go integer, a float with no fractional part (as
// produced by encoding/json), or an integral json.Number.
func isInteger(v any) bool {
	if n, ok := v.(json.Number); ok {
		_, err := n.Int64()
		return err == nil
	}
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f)
	default:
		return false
	}
}

func maxBytes(limit int) Predicate {
	return func(v any) bool {
		s, ok := stringOf(v)
		return ok && len(s) <= limit
	}
}

// arrayOf accepts a non-empty slice or array whose every element matches p.
func arrayOf(p Predicate) Predicate {
	return func(v any) bool {
		if v == nil {
			return false
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		if rv.Len() == 0 {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if !p(rv.Index(i).Interface()) {
				return false
			}
		}
		return true
	}
}

// fields returns a compound value as a map. Structs are converted using their
// json tags.
func fields(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct && rv.Kind() != reflect.Map {
		return nil, false
	}
	out := map[string]any{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, false
	}
	if err := decoder.Decode(v); err != nil {
		return nil, false
	}
	return out, true
}

// shape checks every named field of a compound value.
func shape(checks map[string]Predicate) Predicate {
	return func(v any) bool {
		m, ok := fields(v)
		if !ok {
			return false
		}
		for name, p := range checks {
			if !p(m[name]) {
				return false
			}
		}
		return true
	}
}

var (
	isDestination = shape(map[string]Predicate{
		"amount":  isInteger,
		"address": isAddress,
	})
	isSignedKeyImage = shape(map[string]Predicate{
		"key_image": isHash,
		"signature": isSignature,
	})
	isContractPrivateDetails = shape(map[string]Predicate{
		"t":        isString,
		"c":        isString,
		"a_addr":   isAddress,
		"b_addr":   isAddress,
		"to_pay":   isInteger,
		"a_pledge": isInteger,
		"b_pledge": isInteger,
	})
	isOfferStructure = shape(map[string]Predicate{
		"ap":  isString,
		"at":  isString,
		"cat": isString,
		"cnt": isString,
		"com": isString,
		"do":  isString,
		"et":  isInteger,
		"fee": isInteger,
		"lci": isString,
		"lco": isString,
		"ot":  isInteger,
		"pt":  isString,
		"t":   isString,
	})
)

// isBan needs a host or a numeric ip, plus ban and seconds.
func isBan(v any) bool {
	m, ok := fields(v)
	if !ok {
		return false
	}
	if !isString(m["host"]) && !isInteger(m["ip"]) {
		return false
	}
	return isBoolean(m["ban"]) && isInteger(m["seconds"])
}
