package blockchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// canonicalObject es un objeto JSON cuyas claves se emiten ordenadas.
type canonicalObject map[string]interface{}

// canonicalJSON serializa v en la forma canónica usada para los hashes:
// claves ordenadas, separadores ", " y ": ", cadenas en ASCII con escapes \uXXXX
// y números en su forma decimal más corta. Es el mismo texto que produce
// json.dumps(v, sort_keys=True), por lo que los hashes son estables entre nodos.
func canonicalJSON(v interface{}) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if x {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		writeCanonicalString(sb, x)
	case *string:
		if x == nil {
			sb.WriteString("null")
			return
		}
		writeCanonicalString(sb, *x)
	case int:
		sb.WriteString(strconv.Itoa(x))
	case int64:
		sb.WriteString(strconv.FormatInt(x, 10))
	case *int:
		if x == nil {
			sb.WriteString("null")
			return
		}
		sb.WriteString(strconv.Itoa(*x))
	case TxType:
		sb.WriteString(strconv.Itoa(int(x)))
	case float64:
		writeCanonicalFloat(sb, x)
	case json.Number:
		writeCanonicalNumber(sb, x)
	case json.RawMessage:
		writeCanonicalRaw(sb, x)
	case canonicalObject:
		writeCanonicalObject(sb, x)
	case map[string]interface{}:
		writeCanonicalObject(sb, x)
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case []TxRecord:
		sb.WriteByte('[')
		for i, rec := range x {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeCanonicalObject(sb, rec.canonicalFields(true))
		}
		sb.WriteByte(']')
	default:
		// Cualquier otro valor pasa por encoding/json y se normaliza.
		raw, err := json.Marshal(x)
		if err != nil {
			writeCanonicalString(sb, fmt.Sprint(x))
			return
		}
		writeCanonicalRaw(sb, raw)
	}
}

func writeCanonicalObject(sb *strings.Builder, obj map[string]interface{}) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeCanonicalString(sb, k)
		sb.WriteString(": ")
		writeCanonical(sb, obj[k])
	}
	sb.WriteByte('}')
}

// writeCanonicalRaw decodifica un payload opaco y lo reescribe canónicamente.
// Un payload que no es JSON válido se emite como cadena.
func writeCanonicalRaw(sb *strings.Builder, raw json.RawMessage) {
	if len(bytes.TrimSpace(raw)) == 0 {
		sb.WriteString("null")
		return
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		writeCanonicalString(sb, string(raw))
		return
	}
	writeCanonical(sb, decoded)
}

func writeCanonicalString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				sb.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(sb, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(sb, `\u%04x`, r)
			}
		}
	}
	sb.WriteByte('"')
}

func writeCanonicalNumber(sb *strings.Builder, n json.Number) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			s = "0"
		}
		sb.WriteString(s)
		return
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !math.IsInf(f, 0) {
		sb.WriteString(s)
		return
	}
	writeCanonicalFloat(sb, f)
}

// writeCanonicalFloat imprime el float con la representación más corta que
// lo recupera, con al menos un decimal y notación exponencial fuera de
// 1e-4 <= |f| < 1e16.
func writeCanonicalFloat(sb *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		sb.WriteString("NaN")
		return
	case math.IsInf(f, 1):
		sb.WriteString("Infinity")
		return
	case math.IsInf(f, -1):
		sb.WriteString("-Infinity")
		return
	case f == 0:
		if math.Signbit(f) {
			sb.WriteString("-0.0")
		} else {
			sb.WriteString("0.0")
		}
		return
	}

	formatted := strconv.FormatFloat(f, 'e', -1, 64)
	unsigned := strings.TrimPrefix(formatted, "-")
	mantissa, expPart, _ := strings.Cut(unsigned, "e")
	exp, _ := strconv.Atoi(expPart)
	digits := strings.Replace(mantissa, ".", "", 1)
	decpt := exp + 1

	if decpt <= -4 || decpt > 16 {
		sb.WriteString(formatted)
		return
	}

	if f < 0 {
		sb.WriteByte('-')
	}
	switch {
	case decpt <= 0:
		sb.WriteString("0.")
		sb.WriteString(strings.Repeat("0", -decpt))
		sb.WriteString(digits)
	case decpt >= len(digits):
		sb.WriteString(digits)
		sb.WriteString(strings.Repeat("0", decpt-len(digits)))
		sb.WriteString(".0")
	default:
		sb.WriteString(digits[:decpt])
		sb.WriteByte('.')
		sb.WriteString(digits[decpt:])
	}
}
