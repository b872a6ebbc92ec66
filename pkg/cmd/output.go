package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/logrusorgru/aurora"

	"github.com/testground/hostsync/pkg/logging"
	"github.com/testground/hostsync/pkg/syncdata"
)

// printer writes command results, colored when stdout is a terminal.
type printer struct {
	w  io.Writer
	au aurora.Aurora
}

func newPrinter(w io.Writer) *printer {
	colors := false
	if f, ok := w.(*os.File); ok {
		colors = logging.IsTerminal(f)
	}
	return &printer{w: w, au: aurora.NewAurora(colors)}
}

// result prints the merged values of a sync session as a JSON object keyed by
// host, one host per line.
func (p *printer) result(res syncdata.Result) error {
	vals, err := res.Values()
	if err != nil {
		return err
	}

	hosts := res.Hosts()
	fmt.Fprintln(p.w, "{")
	for i, h := range hosts {
		v, err := json.Marshal(vals[h])
		if err != nil {
			return fmt.Errorf("failed to render data from host %s: %w", h, err)
		}
		key, _ := json.Marshal(h)
		sep := ","
		if i == len(hosts)-1 {
			sep = ""
		}
		fmt.Fprintf(p.w, "  %s: %s%s\n", p.au.Cyan(string(key)), v, sep)
	}
	fmt.Fprintln(p.w, "}")
	return nil
}

func (p *printer) ok(format string, args ...interface{}) {
	fmt.Fprintf(p.w, "%s %s\n", p.au.BgGreen("OK").White(), fmt.Sprintf(format, args...))
}

func (p *printer) fail(format string, args ...interface{}) {
	fmt.Fprintf(p.w, "%s %s\n", p.au.BgRed("FAIL").White(), fmt.Sprintf(format, args...))
}
