package actor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// RunCmd is the text admin channel. The command line is
// "<worker-id> <cmd> [args…]"; the command is parsed and answered on
// the target worker, replying to the caller's session as text.
//
// Commands: services, state, mem, cpu, kill <id>.
func (r *Router) RunCmd(from uint32, cmdline string, session int32) {
	fields := strings.Fields(cmdline)
	if len(fields) < 2 {
		r.sendError(0, from, -session, "runcmd", "usage: <worker> <cmd> [args...]")
		return
	}
	wid, err := strconv.Atoi(fields[0])
	if err != nil || wid < 1 || wid > len(r.workers) {
		r.sendError(0, from, -session, "runcmd", fmt.Sprintf("no such worker %q", fields[0]))
		return
	}
	w := r.workers[wid-1]
	cmd, args := fields[1], fields[2:]

	w.post(func() {
		reply, err := w.execCmd(cmd, args)
		if err != nil {
			r.sendError(0, from, -session, "runcmd", err.Error())
			return
		}
		r.sendText(0, from, session, reply)
	})
}

// execCmd runs on the worker's loop, so the service table is stable.
func (w *Worker) execCmd(cmd string, args []string) (string, error) {
	switch cmd {
	case "services":
		stats := w.stats()
		sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
		lines := make([]string, 0, len(stats))
		for _, s := range stats {
			lines = append(lines, fmt.Sprintf("%d %s unique=%t queue=%d", s.ID, s.Name, s.Unique, s.QueueLen))
		}
		return strings.Join(lines, "\n"), nil
	case "state":
		return fmt.Sprintf("worker=%d services=%d mailbox=%d timers=%d draining=%t",
			w.id, w.serviceCount(), w.mbox.Len(), w.wheel.Len(), w.draining), nil
	case "mem":
		var total int64
		lines := []string{}
		for _, s := range w.stats() {
			total += s.MemUsed
			lines = append(lines, fmt.Sprintf("%d %s used=%d limit=%d", s.ID, s.Name, s.MemUsed, s.MemLimit))
		}
		lines = append(lines, fmt.Sprintf("total=%d", total))
		return strings.Join(lines, "\n"), nil
	case "cpu":
		lines := []string{}
		for _, s := range w.stats() {
			lines = append(lines, fmt.Sprintf("%d %s cpu=%s dispatched=%d",
				s.ID, s.Name, time.Duration(s.CPUNanos), s.Dispatch))
		}
		return strings.Join(lines, "\n"), nil
	case "kill":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: kill <id>")
		}
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return "", fmt.Errorf("bad id %q", args[0])
		}
		if w.lookup(uint32(id)) == nil {
			return "", fmt.Errorf("no service %d on worker %d", id, w.id)
		}
		w.removeService(uint32(id), 0, 0)
		return "killed " + args[0], nil
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}
