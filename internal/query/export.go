package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// Format is a closed set of export encodings spec.md §6 names for
// GET /api/scans/{id}/export/{format}.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatGEXF Format = "gexf"
)

// ErrUnsupportedFormat is returned for any format outside the closed set.
var ErrUnsupportedFormat = fmt.Errorf("query: unsupported export format")

// ExportEvents streams every event of a scan to w, encoded as format. csv
// and json use the standard library directly; gexf is a minimal
// hand-rolled XML writer (no ecosystem GEXF library appears anywhere in
// the reference corpus this module was built against, so this one case
// is grounded on the stdlib encoding/xml package instead).
func (q *Query) ExportEvents(ctx context.Context, scanID string, format Format, w io.Writer) error {
	events, err := q.allEvents(ctx, scanID)
	if err != nil {
		return err
	}

	switch format {
	case FormatCSV:
		return writeCSV(w, events)
	case FormatJSON:
		return writeJSON(w, events)
	case FormatGEXF:
		return writeGEXF(w, events)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func writeCSV(w io.Writer, events []spiderevent.Event) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"hash", "type", "data", "module", "source_hash", "generated", "confidence", "visibility", "risk", "false_positive"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, e := range events {
		row := []string{
			e.Hash,
			e.Type,
			e.Data,
			e.Module,
			e.SourceHash,
			strconv.FormatFloat(e.Generated, 'f', -1, 64),
			strconv.Itoa(e.Confidence),
			strconv.Itoa(e.Visibility),
			strconv.Itoa(e.Risk),
			strconv.FormatBool(e.FalsePositive),
		}

		if err := cw.Write(row); err != nil {
			return err
		}
	}

	return cw.Error()
}

func writeJSON(w io.Writer, events []spiderevent.Event) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(events)
}

// GEXF (Graph Exchange XML Format) node/edge shape, trimmed to the
// attributes the viz graph actually carries.
type gexfDoc struct {
	XMLName xml.Name   `xml:"gexf"`
	Version string     `xml:"version,attr"`
	Graph   gexfGraph  `xml:"graph"`
}

type gexfGraph struct {
	DefaultEdgeType string     `xml:"defaultedgetype,attr"`
	Mode            string     `xml:"mode,attr"`
	Nodes           gexfNodes  `xml:"nodes"`
	Edges           gexfEdges  `xml:"edges"`
}

type gexfNodes struct {
	Nodes []gexfNode `xml:"node"`
}

type gexfNode struct {
	ID    string `xml:"id,attr"`
	Label string `xml:"label,attr"`
}

type gexfEdges struct {
	Edges []gexfEdge `xml:"edge"`
}

type gexfEdge struct {
	ID     string `xml:"id,attr"`
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

func writeGEXF(w io.Writer, events []spiderevent.Event) error {
	doc := gexfDoc{
		Version: "1.3",
		Graph: gexfGraph{
			DefaultEdgeType: "directed",
			Mode:            "static",
		},
	}

	edgeID := 0

	for _, e := range events {
		doc.Graph.Nodes.Nodes = append(doc.Graph.Nodes.Nodes, gexfNode{
			ID:    e.Hash,
			Label: fmt.Sprintf("%s: %s", e.Type, e.Data),
		})

		if e.SourceHash != "" {
			doc.Graph.Edges.Edges = append(doc.Graph.Edges.Edges, gexfEdge{
				ID:     strconv.Itoa(edgeID),
				Source: e.SourceHash,
				Target: e.Hash,
			})
			edgeID++
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	return enc.Encode(doc)
}
