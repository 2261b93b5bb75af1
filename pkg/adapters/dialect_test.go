package adapters

import "testing"

func TestStandardDialect(t *testing.T) {
	pg := StandardDialect{DialectName: "postgres", Quote: `"`, Numbered: true, Unlogged: true}
	my := StandardDialect{DialectName: "mysql", Quote: "`"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pg placeholder", pg.Placeholder(3), "$3"},
		{"mysql placeholder", my.Placeholder(3), "?"},
		{"pg quote", pg.QuoteIdent(`a"b`), `"a""b"`},
		{"mysql quote", my.QuoteIdent("tbl"), "`tbl`"},
		{"limit only", pg.LimitOffset(10, 0), "LIMIT 10"},
		{"limit offset", pg.LimitOffset(10, 5), "LIMIT 10 OFFSET 5"},
		{"offset only", pg.LimitOffset(0, 5), "OFFSET 5"},
		{"mysql offset only", my.LimitOffset(0, 5), "LIMIT 18446744073709551615 OFFSET 5"},
		{"unlogged ctas", pg.CreateTableAs("t", "SELECT 1"), "CREATE UNLOGGED TABLE t AS SELECT 1"},
		{"varchar", pg.TextType(256), "VARCHAR(256)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestMSSQLDialect(t *testing.T) {
	d := MSSQLDialect{}

	if got := d.LimitOffset(10, 20); got != "OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY" {
		t.Errorf("LimitOffset() = %q", got)
	}
	if got := d.LimitOffset(0, 0); got != "" {
		t.Errorf("LimitOffset(0, 0) = %q, want empty", got)
	}
	if got := d.QuoteIdent("a]b"); got != "[a]]b]" {
		t.Errorf("QuoteIdent() = %q", got)
	}
	if got := d.CreateTableAs("m", "SELECT id FROM t"); got != "SELECT * INTO m FROM (SELECT id FROM t) AS src" {
		t.Errorf("CreateTableAs() = %q", got)
	}
}
