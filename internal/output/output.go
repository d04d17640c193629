package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/schollz/progressbar/v3"

	"github.com/idanyas/netspeed/internal/data"
	"github.com/idanyas/netspeed/internal/meter"
	"github.com/idanyas/netspeed/internal/server"
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func PrintHeader(w io.Writer, jsonOutput bool, version string) {
	if jsonOutput {
		return
	}
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "\n    netspeed v%s\n\n", version)
}

func OutputJSON(w io.Writer, result *data.MeasurementResult) error {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func PrintResult(w io.Writer, result *data.MeasurementResult) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	speed := func(name string, s data.Speed) {
		if s.Mbps == 0 {
			fmt.Fprintf(w, "%s %s failed\n", yellow("!"), name)
			return
		}
		fmt.Fprintf(w, "%s %s %.2f Mbps\n", green("✓"), name, s.Mbps)
	}

	fmt.Fprintf(w, "%s Latency: %d ms\n", green("✓"), result.Ping)
	speed("Download:", result.Download)
	speed("Upload:", result.Upload)
	fmt.Fprintf(w, "%s Server: %s\n", green("✓"), result.Download.ServerLocation)
	fmt.Fprintf(w, "%s Time: %s\n", green("✓"), result.Timestamp.Format(time.RFC3339))
}

func ShowServers(w io.Writer, servers []data.ServerRecord, jsonOutput bool) error {
	if jsonOutput {
		b, err := json.MarshalIndent(servers, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	headers := []string{"ID", "Sponsor", "Name", "Country", "Distance"}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		dist := "-"
		if s.Distance != nil {
			dist = fmt.Sprintf("%.0f km", *s.Distance)
		}
		rows = append(rows, []string{s.ID, s.Sponsor, s.Name, s.Country, dist})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	line := func(cells []string) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], c)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	}
	line(headers)
	dashes := make([]string, len(widths))
	for i, n := range widths {
		dashes[i] = strings.Repeat("-", n)
	}
	line(dashes)
	for _, row := range rows {
		line(row)
	}
	return nil
}

type serverItem struct {
	ID       string
	Label    string
	Distance float64
}

func SelectServer(servers []data.ServerRecord) (int, error) {
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s Choose a server:\n", cyan("✓"))

	items := make([]serverItem, len(servers))
	maxLabel := 0
	for i, s := range servers {
		items[i] = serverItem{ID: s.ID, Label: s.DisplayName()}
		if s.Distance != nil {
			items[i].Distance = *s.Distance
		}
		maxLabel = max(maxLabel, len(items[i].Label))
	}

	activeTpl := fmt.Sprintf(`{{ "▸" | cyan }} {{ .Label | printf "%%-%ds" | cyan }} [{{ .Distance | printf "%%.0f" }} km]`, maxLabel)
	inactiveTpl := fmt.Sprintf(`  {{ .Label | printf "%%-%ds" }} [{{ .Distance | printf "%%.0f" }} km]`, maxLabel)

	prompt := promptui.Select{
		Label: "",
		Items: items,
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}",
			Active:   activeTpl,
			Inactive: inactiveTpl,
		},
		Size:         server.ShortlistSize,
		HideHelp:     true,
		Stdout:       os.Stdout,
		HideSelected: true,
	}

	i, _, err := prompt.Run()
	if err != nil {
		return 0, err
	}
	return i, nil
}

// Reporter renders engine progress on a terminal: a bar while candidate
// servers are scanned and a spinner with the live rate during transfers.
type Reporter struct {
	w       io.Writer
	enabled bool

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	spinning bool
	tick     int
}

func NewReporter(w io.Writer, enabled bool) *Reporter {
	return &Reporter{w: w, enabled: enabled}
}

func (r *Reporter) Phase(name string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
	if r.spinning {
		fmt.Fprint(r.w, "\r\033[K")
		r.spinning = false
	}

	if name == "select" {
		r.bar = progressbar.NewOptions(server.MaxCandidates,
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSetDescription("Testing nearest servers"),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetWidth(20),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
}

func (r *Reporter) Candidate(i int, s data.ServerRecord, outcome data.ProbeOutcome) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		return
	}
	status := "unreachable"
	if outcome.Latency != nil {
		status = fmt.Sprintf("%d ms", outcome.Latency.Milliseconds())
	} else if outcome.Reachable {
		status = "no ping"
	}
	r.bar.Describe(fmt.Sprintf("%s (%s)", s.Sponsor, status))
	r.bar.Add(1)
}

func (r *Reporter) Progress(dir meter.Direction, total int64, elapsed time.Duration) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := "Download:"
	if dir == meter.Upload {
		name = "Upload:"
	}
	// Nothing counted yet reads as 0 Mbps.
	speed, _ := meter.Mbps(total, elapsed)
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(r.w, "\r\033[K%s %s %.2f Mbps", cyan(spinner[r.tick%len(spinner)]), name, speed)
	r.spinning = true
	r.tick++
}

func (r *Reporter) Done() {
	r.Phase("")
}

func PrintServer(w io.Writer, s data.ServerRecord) {
	cyan := color.New(color.FgCyan).SprintFunc()
	dist := ""
	if s.Distance != nil {
		dist = fmt.Sprintf(" [%.0f km]", *s.Distance)
	}
	fmt.Fprintf(w, "%s Server: %s (id %s)%s\n", cyan("✓"), s.DisplayName(), s.ID, dist)
}

func Warn(w io.Writer, format string, args ...any) {
	yellow := color.New(color.FgYellow).FprintfFunc()
	yellow(w, "Warning: "+format+"\n", args...)
}

// Logs wraps dst so that each diagnostic line first clears the spinner.
func (r *Reporter) Logs(dst io.Writer) io.Writer {
	return logWriter{r: r, dst: dst}
}

type logWriter struct {
	r   *Reporter
	dst io.Writer
}

func (l logWriter) Write(p []byte) (int, error) {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	if l.r.spinning {
		fmt.Fprint(l.r.w, "\r\033[K")
		l.r.spinning = false
	}
	return l.dst.Write(p)
}
