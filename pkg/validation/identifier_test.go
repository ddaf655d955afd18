package validation

import (
	"strings"
	"testing"
)

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		wantErr bool
	}{
		// Valid table names
		{"simple", "account", false},
		{"single char", "a", false},
		{"with digit", "contact2", false},
		{"with underscore", "sales_invoice", false},
		{"custom prefix", "new_projectline", false},
		{"max length", "a" + strings.Repeat("b", 63), false},

		// Invalid table names - injection attempts
		{"empty", "", true},
		{"odata injection", "account)?$filter=1 eq 1", true},
		{"sql injection", "account'; DROP TABLE--", true},
		{"newline injection", "account\n$expand=all", true},
		{"uppercase", "Account", true},
		{"path traversal", "../secrets", true},
		{"starts with digit", "2account", true},
		{"starts with underscore", "_account", true},
		{"spaces", "sales invoice", true},
		{"too long", "a" + strings.Repeat("b", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTableName(tt.table)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTableName(%q) error = %v, wantErr %v", tt.table, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFieldName(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		wantErr bool
	}{
		{"simple", "name", false},
		{"with underscore", "credit_limit", false},
		{"lookup value column", "_parentcustomerid_value", false},
		{"empty", "", true},
		{"uppercase", "Name", true},
		{"double underscore prefix", "__proto", true},
		{"odata function", "name) or contains(", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFieldName(tt.field)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFieldName(%q) error = %v, wantErr %v", tt.field, err, tt.wantErr)
			}
		})
	}
}

func TestIsGUID(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"lowercase guid", "f1d2a3b4-1234-5678-9abc-def012345678", true},
		{"uppercase guid", "F1D2A3B4-1234-5678-9ABC-DEF012345678", true},
		{"mixed case guid", "f1D2a3B4-1234-5678-9abc-DEF012345678", true},
		{"empty", "", false},
		{"customer name", "Acme Corporation", false},
		{"account number", "ACC-100042", false},
		{"missing dashes", "f1d2a3b412345678 9abcdef012345678", false},
		{"too short segment", "f1d2a3b-1234-5678-9abc-def012345678", false},
		{"non-hex chars", "g1d2a3b4-1234-5678-9abc-def012345678", false},
		{"braced guid", "{f1d2a3b4-1234-5678-9abc-def012345678}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsGUID(tt.value); got != tt.want {
				t.Errorf("IsGUID(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestSanitizeTableName(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "account", "account", false},
		{"uppercase normalized", "ACCOUNT", "account", false},
		{"mixed case", "SalesInvoice", "salesinvoice", false},
		{"with spaces trimmed", "  account  ", "account", false},
		{"invalid rejected", "bad table!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeTableName(tt.table)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeTableName(%q) error = %v, wantErr %v", tt.table, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeTableName(%q) = %q, want %q", tt.table, got, tt.want)
			}
		})
	}
}
