package process

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes one process of a session's helper tree
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	PPID       int32   `json:"ppid"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Cmdline    string  `json:"cmdline,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss"`
	CreateTime int64   `json:"create_time"`
}

// TreeNode represents a process and its descendants
type TreeNode struct {
	Process  ProcessInfo `json:"process"`
	Children []TreeNode  `json:"children,omitempty"`
}

// Manager inspects and terminates helper process trees
type Manager struct{}

// NewManager creates a new process manager
func NewManager() *Manager {
	return &Manager{}
}

// Get returns information about a single process
func (m *Manager) Get(pid int32) (ProcessInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("process not found: %w", err)
	}
	return m.info(p), nil
}

// Tree returns pid and everything below it
func (m *Manager) Tree(pid int32) (TreeNode, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return TreeNode{}, fmt.Errorf("process %d not found: %w", pid, err)
	}
	return m.buildTree(p), nil
}

func (m *Manager) buildTree(p *process.Process) TreeNode {
	node := TreeNode{Process: m.info(p)}

	children, err := p.Children()
	if err != nil {
		return node
	}
	for _, c := range children {
		node.Children = append(node.Children, m.buildTree(c))
	}
	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Process.PID < node.Children[j].Process.PID
	})
	return node
}

// TerminateTree asks pid and all of its descendants to exit. Descendants are
// signalled before their parents so a shell cannot respawn children after its
// helper is gone. Processes that already exited are not an error.
func (m *Manager) TerminateTree(pid int32) error {
	if pid <= 0 || pid == int32(os.Getpid()) {
		return fmt.Errorf("refusing to terminate pid %d", pid)
	}

	root, err := process.NewProcess(pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("process %d not found: %w", pid, err)
	}

	var errs []error
	for _, p := range postOrder(root) {
		if err := p.Terminate(); err != nil && !finished(err) {
			errs = append(errs, fmt.Errorf("terminate %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

// postOrder lists p's descendants depth first, followed by p itself
func postOrder(p *process.Process) []*process.Process {
	var out []*process.Process
	if children, err := p.Children(); err == nil {
		for _, c := range children {
			out = append(out, postOrder(c)...)
		}
	}
	return append(out, p)
}

func finished(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, process.ErrorProcessNotRunning)
}

// info extracts the fields shown for session processes
func (m *Manager) info(p *process.Process) ProcessInfo {
	info := ProcessInfo{
		PID: p.Pid,
	}

	if ppid, err := p.Ppid(); err == nil {
		info.PPID = ppid
	}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if status, err := p.Status(); err == nil && len(status) > 0 {
		info.Status = status[0]
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpuPercent
	}
	if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
		info.MemRSS = memInfo.RSS
	}
	if createTime, err := p.CreateTime(); err == nil {
		info.CreateTime = createTime
	}

	return info
}
