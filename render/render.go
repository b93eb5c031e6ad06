// Package render draws the partition of a spatial tree.
package render

import (
	"image/color"
	"io"

	"github.com/aukilabs/dagaz/spatial"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const (
	FormatSVG = "svg"
	FormatPNG = "png"
)

var (
	nodeColor  = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	leafColor  = color.RGBA{R: 40, G: 90, B: 200, A: 255}
	itemColor  = color.RGBA{R: 220, G: 50, B: 50, A: 255}
	queryColor = color.RGBA{R: 30, G: 160, B: 60, A: 255}
)

// Node is a snapshot of a tree node.
type Node struct {
	Depth     int              `json:"depth"`
	Volume    spatial.Box      `json:"volume"`
	Leaf      bool             `json:"leaf"`
	Positions []spatial.Vector `json:"positions,omitempty"`
}

// NodeOf returns the snapshot of n. Only leaves carry item positions.
func NodeOf[T comparable](n *spatial.Tree[T]) Node {
	node := Node{
		Depth:  n.Depth(),
		Volume: n.Volume(),
		Leaf:   n.IsLeaf(),
	}
	for _, e := range n.Items() {
		node.Positions = append(node.Positions, e.Position)
	}
	return node
}

// Snapshot returns the nodes of t in depth-first order.
func Snapshot[T comparable](t *spatial.Tree[T]) []Node {
	var nodes []Node
	t.Walk(func(n *spatial.Tree[T]) bool {
		nodes = append(nodes, NodeOf(n))
		return true
	})
	return nodes
}

type Options struct {
	Title string

	// A region drawn over the partition, usually a range search query.
	Query *spatial.Box

	Width  vg.Length
	Height vg.Length

	// The output format: svg or png.
	Format string
}

func (o Options) withDefaults() Options {
	if o.Width == 0 {
		o.Width = 6 * vg.Inch
	}
	if o.Height == 0 {
		o.Height = o.Width
	}
	if o.Format == "" {
		o.Format = FormatSVG
	}
	return o
}

// Plot draws the node volumes projected onto their first two axes, with the
// item positions on top.
func Plot(nodes []Node, o Options) (*plot.Plot, error) {
	o = o.withDefaults()

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	var positions plotter.XYs
	for _, n := range nodes {
		if n.Volume.Dimensions() < 2 {
			return nil, errors.New("cannot draw less than two dimensions").
				WithTag("dimensions", n.Volume.Dimensions())
		}

		rect, err := rectangle(n.Volume)
		if err != nil {
			return nil, err
		}
		rect.Color = nodeColor
		rect.Width = vg.Points(0.5)
		if n.Leaf {
			rect.Color = leafColor
			rect.Width = vg.Points(1)
		}
		p.Add(rect)

		for _, pos := range n.Positions {
			v := pos.R2()
			positions = append(positions, plotter.XY{X: v.X, Y: v.Y})
		}
	}

	if o.Query != nil && o.Query.Dimensions() >= 2 {
		rect, err := rectangle(*o.Query)
		if err != nil {
			return nil, err
		}
		rect.Color = queryColor
		rect.Width = vg.Points(1.5)
		rect.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(rect)
		p.Legend.Add("query", rect)
	}

	if len(positions) != 0 {
		scatter, err := plotter.NewScatter(positions)
		if err != nil {
			return nil, errors.New("creating item scatter failed").Wrap(err)
		}
		scatter.GlyphStyle.Color = itemColor
		scatter.GlyphStyle.Radius = vg.Points(2)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(scatter)
		p.Legend.Add("items", scatter)
	}

	p.Legend.Top = true
	return p, nil
}

// Write draws the nodes to w in the format set in o.
func Write(w io.Writer, nodes []Node, o Options) error {
	o = o.withDefaults()

	switch o.Format {
	case FormatSVG, FormatPNG:
	default:
		return errors.New("unsupported format").WithTag("format", o.Format)
	}

	p, err := Plot(nodes, o)
	if err != nil {
		return err
	}

	wt, err := p.WriterTo(o.Width, o.Height, o.Format)
	if err != nil {
		return errors.New("creating plot writer failed").
			WithTag("format", o.Format).
			Wrap(err)
	}

	if _, err := wt.WriteTo(w); err != nil {
		return errors.New("writing plot failed").Wrap(err)
	}
	return nil
}

func rectangle(b spatial.Box) (*plotter.Line, error) {
	r := b.R2()
	xys := plotter.XYs{
		{X: r.Min.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Max.Y},
		{X: r.Min.X, Y: r.Max.Y},
		{X: r.Min.X, Y: r.Min.Y},
	}

	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, errors.Newf("creating rectangle %s failed", b).Wrap(err)
	}
	return line, nil
}
