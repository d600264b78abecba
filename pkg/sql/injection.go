package sql

import (
	"fmt"
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/feemaster/feemaster-engine/pkg/models"
)

// InjectionCheckResult describes an operand libinjection flagged.
type InjectionCheckResult struct {
	Field       string
	Fingerprint string
}

// CheckValueForInjection runs libinjection over string values. Other types
// cannot carry an injection payload and return nil.
func CheckValueForInjection(field string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			Field:       field,
			Fingerprint: string(fingerprint),
		}
	}
	return nil
}

// ScreenRequest checks every string operand and payload value of req.
//
// Values always travel as bound parameters, so a hit is not a vulnerability;
// callers log it so probing shows up in the audit trail.
func ScreenRequest(req *models.QueryRequest) []*InjectionCheckResult {
	var results []*InjectionCheckResult

	for _, p := range req.Predicates {
		switch v := p.Value.(type) {
		case []any:
			for i, item := range v {
				if r := CheckValueForInjection(fmt.Sprintf("%s[%d]", p.Field, i), item); r != nil {
					results = append(results, r)
				}
			}
		default:
			if r := CheckValueForInjection(p.Field, v); r != nil {
				results = append(results, r)
			}
		}
	}

	fields := make([]string, 0, len(req.Payload))
	for f := range req.Payload {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if r := CheckValueForInjection(f, req.Payload[f]); r != nil {
			results = append(results, r)
		}
	}

	return results
}

// ScreenParams checks positional parameters of a raw statement.
func ScreenParams(params []any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for i, p := range params {
		if r := CheckValueForInjection(fmt.Sprintf("$%d", i+1), p); r != nil {
			results = append(results, r)
		}
	}
	return results
}
