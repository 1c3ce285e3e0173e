package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"conductor/internal/domain"
	"conductor/internal/orchestrator"
	"conductor/internal/verification"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "conductor base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start a conductor server for the lifetime of the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to the conductor binary (embedded mode)")
	dbPath := flag.String("db", "data/monitor.db", "sqlite db path for the embedded server")
	demoWorkers := flag.Bool("demo-workers", true, "run demo workers in the embedded server")
	limit := flag.Int("limit", 300, "max tasks to list")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *demoWorkers)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded conductor: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "conductor health check failed: %v\n", err)
		os.Exit(1)
	}

	d := newDashboard(c, *limit)
	d.status(fmt.Sprintf("Connected to %s | F10 quit, F5 refresh, F2 dead-letter filter, Ctrl+L command, Ctrl+T tasks, Ctrl+A agents", c.baseURL))

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		d.refresh()
		for range ticker.C {
			d.refresh()
		}
	}()

	if err := d.app.SetRoot(d.root, true).EnableMouse(true).SetFocus(d.tasks).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

type dashboard struct {
	c     *client
	limit int

	app     *tview.Application
	root    *tview.Flex
	tasks   *tview.Table
	agents  *tview.Table
	summary *tview.TextView
	detail  *tview.TextView
	input   *tview.InputField
	bar     *tview.TextView

	deadOnly      atomic.Bool
	detailVersion atomic.Uint64

	mu        sync.Mutex
	lastTasks []domain.Task
	selected  string
}

func newDashboard(c *client, limit int) *dashboard {
	d := &dashboard{c: c, limit: limit, app: tview.NewApplication()}

	d.tasks = tview.NewTable().SetBorders(false).SetSelectable(true, false).SetFixed(1, 0)
	d.tasks.SetTitle("Tasks (Enter inspect)").SetBorder(true)

	d.agents = tview.NewTable().SetBorders(false).SetSelectable(true, false).SetFixed(1, 0)
	d.agents.SetTitle("Agents").SetBorder(true)

	d.summary = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	d.summary.SetTitle("Queue").SetBorder(true)

	d.detail = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	d.detail.SetTitle("Task Detail").SetBorder(true)

	d.input = tview.NewInputField().SetLabel("Command: ")
	d.input.SetBorder(true).SetTitle(trimLine(commandHelp, 160))

	d.bar = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	d.bar.SetBorder(true).SetTitle("Status")

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.agents, 0, 2, false).
		AddItem(d.summary, 6, 0, false).
		AddItem(d.detail, 0, 3, false)
	mainLayout := tview.NewFlex().
		AddItem(d.tasks, 0, 3, true).
		AddItem(right, 0, 2, false)
	d.root = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(d.input, 3, 0, false).
		AddItem(d.bar, 3, 0, false)

	d.tasks.SetSelectedFunc(func(row, _ int) {
		d.mu.Lock()
		if row <= 0 || row > len(d.lastTasks) {
			d.mu.Unlock()
			return
		}
		d.selected = d.lastTasks[row-1].ID
		d.mu.Unlock()
		go d.refreshDetail()
	})

	d.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := strings.TrimSpace(d.input.GetText())
		if line == "" {
			return
		}
		d.input.SetText("")
		go d.run(line)
	})

	d.app.SetInputCapture(d.keys)
	return d
}

func (d *dashboard) keys(event *tcell.EventKey) *tcell.EventKey {
	if d.app.GetFocus() == d.input {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
			d.app.SetFocus(d.tasks)
			return nil
		}
		return event
	}
	switch event.Key() {
	case tcell.KeyF10:
		d.app.Stop()
		return nil
	case tcell.KeyF5:
		go d.refresh()
		return nil
	case tcell.KeyF2:
		on := !d.deadOnly.Load()
		d.deadOnly.Store(on)
		if on {
			d.tasks.SetTitle("Dead-letter tasks (F2 all)")
		} else {
			d.tasks.SetTitle("Tasks (Enter inspect)")
		}
		go d.refresh()
		return nil
	case tcell.KeyCtrlL:
		d.app.SetFocus(d.input)
		return nil
	case tcell.KeyCtrlT, tcell.KeyEscape:
		d.app.SetFocus(d.tasks)
		return nil
	case tcell.KeyCtrlA:
		d.app.SetFocus(d.agents)
		return nil
	case tcell.KeyTAB:
		if d.app.GetFocus() == d.tasks {
			d.app.SetFocus(d.agents)
		} else {
			d.app.SetFocus(d.tasks)
		}
		return nil
	}
	return event
}

// status must be called from the UI goroutine.
func (d *dashboard) status(msg string) {
	d.bar.SetText(msg)
}

func (d *dashboard) statusAsync(msg string) {
	d.app.QueueUpdateDraw(func() {
		d.bar.SetText(msg)
	})
}

func (d *dashboard) run(line string) {
	cmd, err := parseCommand(line)
	if err != nil {
		d.statusAsync("[red]" + tview.Escape(err.Error()) + "[-]")
		return
	}
	var out map[string]any
	if err := d.c.postJSON(cmd.path, cmd.body, &out); err != nil {
		d.statusAsync("[red]" + tview.Escape(cmd.label+" failed: "+err.Error()) + "[-]")
		return
	}
	msg := cmd.label + " ok"
	if changed, ok := out["changed"].(bool); ok && !changed {
		msg = cmd.label + ": no change"
	}
	if id, ok := out["id"].(string); ok && cmd.path == "/tasks" {
		d.mu.Lock()
		d.selected = id
		d.mu.Unlock()
		msg += " " + id
	}
	d.statusAsync(tview.Escape(msg))
	d.refresh()
}

func (d *dashboard) refresh() {
	var statuses []domain.TaskStatus
	if d.deadOnly.Load() {
		statuses = []domain.TaskStatus{domain.TaskStatusDeadLetter}
	}

	var (
		wg       sync.WaitGroup
		tasks    []domain.Task
		agents   []domain.Agent
		snap     orchestrator.Snapshot
		metrics  orchestrator.Metrics
		quality  verification.QualityReport
		errTasks error
		errAgent error
		errSum   error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		tasks, errTasks = d.c.listTasks(statuses, d.limit)
	}()
	go func() {
		defer wg.Done()
		agents, errAgent = d.c.listAgents()
	}()
	go func() {
		defer wg.Done()
		if snap, errSum = d.c.snapshot(); errSum != nil {
			return
		}
		if metrics, errSum = d.c.metrics(); errSum != nil {
			return
		}
		quality, errSum = d.c.quality(24)
	}()
	wg.Wait()

	if errTasks == nil {
		sortTasks(tasks)
	}
	d.mu.Lock()
	if errTasks == nil {
		d.lastTasks = tasks
		if d.selected == "" && len(tasks) > 0 {
			d.selected = tasks[0].ID
		}
	}
	selected := d.selected
	d.mu.Unlock()

	now := time.Now()
	d.app.QueueUpdateDraw(func() {
		if errTasks != nil {
			d.tasks.Clear()
			d.tasks.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", errTasks)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
		} else {
			renderTasksTable(d.tasks, tasks, selected)
		}
		if errAgent != nil {
			d.agents.Clear()
			d.agents.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", errAgent)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
		} else {
			renderAgentsTable(d.agents, agents, now)
		}
		if errSum != nil {
			d.summary.SetText(tview.Escape(fmt.Sprintf("error: %v", errSum)))
		} else {
			d.summary.SetText(renderSummary(snap, metrics, quality))
		}
	})
	d.refreshDetail()
}

func (d *dashboard) refreshDetail() {
	d.mu.Lock()
	selected := d.selected
	var task *domain.Task
	for i := range d.lastTasks {
		if d.lastTasks[i].ID == selected {
			t := d.lastTasks[i]
			task = &t
			break
		}
	}
	d.mu.Unlock()
	if task == nil {
		return
	}

	version := d.detailVersion.Add(1)
	records, errRec := d.c.taskVerifications(selected)
	decisions, errDec := d.c.taskDecisions(selected, 50)
	if d.detailVersion.Load() != version {
		return
	}

	var text string
	switch {
	case errRec != nil:
		text = tview.Escape(fmt.Sprintf("error: %v", errRec))
	case errDec != nil:
		text = tview.Escape(fmt.Sprintf("error: %v", errDec))
	default:
		text = renderTaskDetail(task, records, decisions)
	}
	d.app.QueueUpdateDraw(func() {
		d.detail.SetText(text)
		d.detail.ScrollToBeginning()
	})
}

func startEmbeddedOrchestrator(addr, binary, dbPath string, demoWorkers bool) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"serve", "--addr", ":" + port, "--db", dbPath}
	if demoWorkers {
		args = append(args, "--demo-workers")
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(binary) != "" {
		cmd = exec.Command(binary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
		}
	}

	proc := &embeddedOrchestrator{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start conductor process: %w", err)
	}
	return proc, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = e.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		<-done
	}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
