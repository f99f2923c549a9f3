package table

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tradeharvest/internal/model"
)

func testRow(period, partner string) model.CanonicalRow {
	return model.CanonicalRow{
		ProductCode:  "01",
		RefPeriod:    period,
		ReporterDesc: "Morocco",
		PartnerDesc:  partner,
		FlowDesc:     "Import",
		CmdDesc:      "Live animals",
		CIFValue:     "1,000.56",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(body), "\n"), "\n")
}

func headerCount(lines []string) int {
	count := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "productCode,") {
			count++
		}
	}
	return count
}

func TestAppendCreatesThenExtends(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	key := model.TableKey{Country: "Morocco", Product: "Live Animals", Period: "2022"}

	if err := writer.Append([]model.CanonicalRow{testRow("202201", "World")}, key); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	lines := readLines(t, writer.Path(key))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2 (header + 1 row)", len(lines))
	}

	if err := writer.Append([]model.CanonicalRow{testRow("202202", "World"), testRow("202202", "Spain")}, key); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	lines = readLines(t, writer.Path(key))
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	if got := headerCount(lines); got != 1 {
		t.Errorf("header count = %d, want exactly 1", got)
	}
	if !strings.Contains(lines[3], "202202") || !strings.Contains(lines[3], "Spain") {
		t.Errorf("last line = %q, want the 202202/Spain row", lines[3])
	}
}

func TestAppendZeroRowsTouchesNothing(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	key := model.TableKey{Country: "Morocco", Product: "Watches", Period: "2022"}

	if err := writer.Append(nil, key); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(writer.Path(key)); !os.IsNotExist(err) {
		t.Error("appending zero rows must not create a header-only file")
	}
}

func TestMergeRewriteKeepsSingleHeader(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	key := model.TableKey{Country: "Morocco", Product: "", Period: "2022"}

	if err := writer.MergeRewrite([]model.CanonicalRow{testRow("202201", "World")}, key); err != nil {
		t.Fatalf("first MergeRewrite: %v", err)
	}
	if err := writer.MergeRewrite([]model.CanonicalRow{testRow("202202", "World")}, key); err != nil {
		t.Fatalf("second MergeRewrite: %v", err)
	}

	lines := readLines(t, writer.Path(key))
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3 (header + 2 rows)", len(lines))
	}
	if got := headerCount(lines); got != 1 {
		t.Errorf("header count = %d, want exactly 1", got)
	}
	// Existing rows come first, the new batch after.
	if !strings.Contains(lines[1], "202201") {
		t.Errorf("line 1 = %q, want the 202201 row first", lines[1])
	}
	if !strings.Contains(lines[2], "202202") {
		t.Errorf("line 2 = %q, want the 202202 row after", lines[2])
	}
}

func TestMergeRewriteOverAppendedTable(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	key := model.TableKey{Country: "Spain", Product: "Watches", Period: "2022"}

	if err := writer.Append([]model.CanonicalRow{testRow("202201", "World")}, key); err != nil {
		t.Fatalf("Append: %v", err)
	}
	batch := []model.CanonicalRow{testRow("202202", "World"), testRow("202203", "World")}
	if err := writer.MergeRewrite(batch, key); err != nil {
		t.Fatalf("MergeRewrite: %v", err)
	}

	lines := readLines(t, writer.Path(key))
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	if got := headerCount(lines); got != 1 {
		t.Errorf("header count = %d, want exactly 1", got)
	}
}

func TestTableKeyFilename(t *testing.T) {
	tests := []struct {
		key  model.TableKey
		want string
	}{
		{model.TableKey{Country: "Morocco", Product: "Live Animals", Period: "2022"}, "morocco_live_animals_2022.csv"},
		{model.TableKey{Country: "United States", Product: "", Period: "202201"}, "united_states_trade_data_202201.csv"},
	}

	for _, tt := range tests {
		if got := tt.key.Filename(); got != tt.want {
			t.Errorf("Filename() = %q, want %q", got, tt.want)
		}
	}
}

func TestWriterPathsStayInsideDir(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	key := model.TableKey{Country: "Morocco", Product: "Watches", Period: "2022"}
	if got := writer.Path(key); filepath.Dir(got) != dir {
		t.Errorf("Path() = %q, want it under %q", got, dir)
	}
}
