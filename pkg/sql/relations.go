package sql

import (
	"sort"
	"strings"

	"github.com/doug-martin/goqu/v8"
	"github.com/doug-martin/goqu/v8/exp"
)

// RelationExpansion is one entry in the embedded-relation catalog. Relational
// backends append Columns (correlated JSON sub-selects) to the projection;
// PostgREST backends append Embed to the select string.
type RelationExpansion struct {
	Table     string
	Relations []string
	Columns   []exp.LiteralExpression
	Embed     string
}

var relationCatalog = map[string]*RelationExpansion{}

func registerRelation(r *RelationExpansion) {
	relationCatalog[relationKey(r.Table, r.Relations)] = r
}

func relationKey(table string, relations []string) string {
	uniq := make(map[string]struct{}, len(relations))
	for _, r := range relations {
		uniq[strings.TrimSpace(r)] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for r := range uniq {
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)
	return table + ":" + strings.Join(sorted, ",")
}

// LookupRelations returns the catalog entry for exactly this table and set of
// requested relations. Order and duplicates in relations do not matter.
func LookupRelations(table string, relations []string) (*RelationExpansion, bool) {
	if len(relations) == 0 {
		return nil, false
	}
	r, ok := relationCatalog[relationKey(table, relations)]
	return r, ok
}

func init() {
	registerRelation(&RelationExpansion{
		Table:     "students",
		Relations: []string{"parents"},
		Columns: []exp.LiteralExpression{goqu.L(`(
			SELECT COALESCE(json_agg(json_build_object(
				'parent_id', psl.parent_id,
				'relationship', psl.relationship,
				'is_primary_contact', psl.is_primary_contact,
				'parents', to_json(p.*)
			)), '[]'::json)
			FROM parent_student_links psl
			JOIN parents p ON p.id = psl.parent_id
			WHERE psl.student_id = students.id
		) AS parent_student_links`)},
		Embed: "parent_student_links(parent_id,relationship,is_primary_contact,parents(*))",
	})

	registerRelation(&RelationExpansion{
		Table:     "payments",
		Relations: []string{"students"},
		Columns:   []exp.LiteralExpression{studentSummary("payments")},
		Embed:     "students(student_id,first_name,last_name,grade)",
	})

	registerRelation(&RelationExpansion{
		Table:     "student_fees",
		Relations: []string{"students"},
		Columns: []exp.LiteralExpression{
			studentSummary("student_fees"),
			goqu.L(`(SELECT json_build_object('name', ft.name, 'fee_type', ft.fee_type)
				FROM fee_types ft WHERE ft.id = student_fees.fee_type_id) AS fee_types`),
			goqu.L(`(SELECT json_build_object('year_name', ay.year_name)
				FROM academic_years ay WHERE ay.id = student_fees.academic_year_id) AS academic_years`),
			goqu.L(`(SELECT json_build_object('term_name', at.term_name)
				FROM academic_terms at WHERE at.id = student_fees.academic_term_id) AS academic_terms`),
		},
		Embed: "students(student_id,first_name,last_name,grade),fee_types(name,fee_type),academic_years(year_name),academic_terms(term_name)",
	})

	registerRelation(&RelationExpansion{
		Table:     "school_settings",
		Relations: []string{"academic_terms", "academic_years"},
		Columns: []exp.LiteralExpression{
			goqu.L(`(SELECT json_build_object('year_name', ay.year_name)
				FROM academic_years ay WHERE ay.id = school_settings.current_academic_year_id) AS academic_years`),
			goqu.L(`(SELECT json_build_object('term_name', at.term_name)
				FROM academic_terms at WHERE at.id = school_settings.current_academic_term_id) AS academic_terms`),
		},
		Embed: "academic_years!current_academic_year_id(year_name),academic_terms!current_academic_term_id(term_name)",
	})
}

func studentSummary(owner string) exp.LiteralExpression {
	return goqu.L(`(SELECT json_build_object(
			'student_id', s.student_id,
			'first_name', s.first_name,
			'last_name', s.last_name,
			'grade', s.grade
		) FROM students s WHERE s.id = ` + owner + `.student_id) AS students`)
}
