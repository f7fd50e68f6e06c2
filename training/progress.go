package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressBar renders per-batch training progress on a single line.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if percentage > 0 && percentage < 1 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatClock(elapsed),
		formatClock(eta),
	)
	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fit/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatClock formats duration as MM:SS
func formatClock(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// FormatElapsed formats a duration as whole minutes and seconds, e.g. "2m 5s".
func FormatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

// ModelArchitecturePrinter prints a layer-by-layer model summary
type ModelArchitecturePrinter struct {
	modelName string
}

func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the module tree and parameter counts to w.
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, model Module) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	p.printModule(w, model, "  ")
	fmt.Fprintf(w, ")\n")

	var total, trainable int64
	for _, param := range model.Parameters() {
		rows, cols := param.Value.Dims()
		n := int64(rows * cols)
		total += n
		if !param.Frozen {
			trainable += n
		}
	}
	fmt.Fprintf(w, "Total parameters: %s\n", humanize.Comma(total))
	fmt.Fprintf(w, "Trainable parameters: %s\n", humanize.Comma(trainable))
	fmt.Fprintf(w, "Non-trainable parameters: %s\n", humanize.Comma(total-trainable))
}

func (p *ModelArchitecturePrinter) printModule(w io.Writer, m Module, indent string) {
	switch layer := m.(type) {
	case *Sequential:
		for i, child := range layer.Modules() {
			if seq, ok := child.(*Sequential); ok {
				fmt.Fprintf(w, "%s(%d): Sequential(\n", indent, i)
				p.printModule(w, seq, indent+"  ")
				fmt.Fprintf(w, "%s)\n", indent)
				continue
			}
			fmt.Fprintf(w, "%s(%d): %s\n", indent, i, describeModule(child))
		}
	case *TransferModel:
		p.printModule(w, layer.Sequential, indent)
	default:
		fmt.Fprintf(w, "%s%s\n", indent, describeModule(m))
	}
}

func describeModule(m Module) string {
	switch layer := m.(type) {
	case *Linear:
		in, out := layer.weight.Value.Dims()
		return fmt.Sprintf("Linear(name=%s, in_features=%d, out_features=%d, frozen=%t)", layer.name, in, out, layer.weight.Frozen)
	case *ReLU:
		return "ReLU()"
	case *Dropout:
		return fmt.Sprintf("Dropout(p=%g)", layer.P)
	case *GridPool:
		return fmt.Sprintf("GridPool(channels=%d, size=%d, grid=%d)", layer.Channels, layer.Size, layer.Grid)
	default:
		return fmt.Sprintf("%T", m)
	}
}
