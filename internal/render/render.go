package render

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"phab-go/internal/tree"
)

// Render serializes a built tree in the requested format. It only walks the
// pre-order the builder produced; it never re-fetches or re-orders.
func Render(t *tree.Tree, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return []byte(Text(t)), nil
	case "json":
		return json.MarshalIndent(t.Root, "", "  ")
	case "csv":
		return renderCSV(t)
	case "pdf":
		return renderPDF(t)
	default:
		return nil, fmt.Errorf("unknown format %s", format)
	}
}

// Text renders the indented report, two spaces per depth level.
func Text(t *tree.Tree) string {
	var b strings.Builder
	t.Walk(func(n *tree.Node) {
		b.WriteString(strings.Repeat("  ", n.Depth))
		b.WriteString(line(n))
		b.WriteString("\n")
	})
	return b.String()
}

func line(n *tree.Node) string {
	switch n.Kind {
	case tree.KindCycle:
		return fmt.Sprintf("[T%s] (already shown above)", n.ID)
	case tree.KindError:
		return fmt.Sprintf("[T%s] fetch failed: %s", n.ID, errLabel(n))
	default:
		return fmt.Sprintf("[T%s %s - %s point: %s] %s",
			n.ID, n.Task.Status, n.Task.Priority, points(n), n.Task.Name)
	}
}

func errLabel(n *tree.Node) string {
	if n.ErrKind != "" {
		return string(n.ErrKind)
	}
	return n.ErrMsg
}

func points(n *tree.Node) string {
	if n.Task == nil || n.Task.Points == nil {
		return "0"
	}
	return strconv.FormatFloat(*n.Task.Points, 'f', -1, 64)
}

func renderCSV(t *tree.Tree) ([]byte, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write([]string{"id", "kind", "depth", "status", "priority", "points", "assignee", "title", "error"})
	t.Walk(func(n *tree.Node) {
		row := []string{n.ID, string(n.Kind), fmt.Sprint(n.Depth), "", "", "", "", "", ""}
		if n.Task != nil {
			row[3] = n.Task.Status
			row[4] = n.Task.Priority
			row[5] = points(n)
			row[6] = n.Task.OwnerPHID
			row[7] = n.Task.Name
		}
		if n.Kind == tree.KindError {
			row[8] = errLabel(n)
		}
		_ = w.Write(row)
	})
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func renderPDF(t *tree.Tree) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(40, 10, fmt.Sprintf("Task Tree T%s", t.Root.ID))
	pdf.Ln(12)
	pdf.SetFont("Arial", "", 10)
	t.Walk(func(n *tree.Node) {
		pdf.MultiCell(0, 6, strings.Repeat("  ", n.Depth)+line(n), "0", "L", false)
	})
	var buf strings.Builder
	if err := pdf.Output(io.Writer(&buf)); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}
