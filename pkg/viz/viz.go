package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/usersync/pkg/engine"
)

// RenderHistoryToSvg draws the pagination history as a chain of states, one
// node per transition, labelled with the offset and working-set size at the
// time.
func RenderHistoryToSvg(history []engine.Transition, outputPath string) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	var prev *cgraph.Node
	for _, tr := range history {
		n, err := graph.CreateNode(strconv.Itoa(tr.Seq))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("#%d %s\\noffset=%d total=%d\\n%s", tr.Seq, tr.To, tr.Offset, tr.Total, tr.Note))
		switch tr.To {
		case engine.Failed:
			n.SetColor("red")
		case engine.EndOfData:
			n.SetShape(cgraph.DoubleCircleShape)
		}
		if prev != nil {
			e, err := graph.CreateEdge("e"+strconv.Itoa(tr.Seq), prev, n)
			if err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
			e.SetLabel(tr.At.Format(time.TimeOnly))
		}
		prev = n
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(history []engine.Transition) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistoryToSvg(history, tf); err != nil {
		return "", err
	}
	return tf, nil
}
