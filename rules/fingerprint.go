package rules

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

var (
	// contentNamespace and factsNamespace keep content ids and fact keys in
	// separate UUIDv5 spaces
	contentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:rulesets:content"))
	factsNamespace   = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:rulesets:facts"))
)

var jsonNumberType = reflect.TypeOf(json.Number(""))

// FingerprintContent derives the rule set id from its raw content.
// Identical content always yields the same id.
func FingerprintContent(content string) string {
	return uuid.NewSHA1(contentNamespace, []byte(content)).String()
}

// FingerprintFacts derives a cache key from a fact collection. Map keys are
// sorted and every scalar is tagged with its kind, so int64(100) and
// float64(100) yield different keys.
func FingerprintFacts(facts Facts) (string, error) {
	var buf bytes.Buffer
	if err := writeFact(&buf, reflect.ValueOf(facts)); err != nil {
		return "", fmt.Errorf("facts are not fingerprintable: %w", err)
	}
	return uuid.NewSHA1(factsNamespace, buf.Bytes()).String(), nil
}

// writeFact appends the canonical encoding of v to buf
func writeFact(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteString("n;")
		return nil
	}
	if v.Type() == jsonNumberType {
		return writeFact(buf, reflect.ValueOf(normalizeNumber(v.Interface())))
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("n;")
			return nil
		}
		return writeFact(buf, v.Elem())
	case reflect.Bool:
		buf.WriteString("b:")
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString("i:")
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString("u:")
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		buf.WriteString("f:")
		buf.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.String:
		buf.WriteString("s:")
		buf.WriteString(strconv.Quote(v.String()))
	case reflect.Slice:
		if v.IsNil() {
			buf.WriteString("n;")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf.WriteString("x:")
			buf.WriteString(hex.EncodeToString(v.Bytes()))
			break
		}
		return writeList(buf, v)
	case reflect.Array:
		return writeList(buf, v)
	case reflect.Map:
		if v.IsNil() {
			buf.WriteString("n;")
			return nil
		}
		return writeMap(buf, v)
	case reflect.Struct:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "o:%s:", v.Type())
		buf.Write(data)
	default:
		return fmt.Errorf("unsupported fact type %s", v.Type())
	}

	buf.WriteByte(';')
	return nil
}

func writeList(buf *bytes.Buffer, v reflect.Value) error {
	buf.WriteString("l[")
	for i := 0; i < v.Len(); i++ {
		if err := writeFact(buf, v.Index(i)); err != nil {
			return err
		}
	}
	buf.WriteString("];")
	return nil
}

func writeMap(buf *bytes.Buffer, v reflect.Value) error {
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())

	iter := v.MapRange()
	for iter.Next() {
		var kb bytes.Buffer
		if err := writeFact(&kb, iter.Key()); err != nil {
			return err
		}
		k := kb.String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	sort.Strings(keys)

	buf.WriteString("m{")
	for _, k := range keys {
		buf.WriteString(k)
		if err := writeFact(buf, values[k]); err != nil {
			return err
		}
	}
	buf.WriteString("};")
	return nil
}
