// Package eventloop implements the aggregator's single-threaded,
// non-blocking multiplexer: one poll(2) loop serves both listening
// ports and every open connection, with no goroutine per connection
// and no locking around the presence store.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dfingerd/dfingerd/internal/config"
	"github.com/dfingerd/dfingerd/internal/finger"
	"github.com/dfingerd/dfingerd/internal/housekeeper"
	"github.com/dfingerd/dfingerd/internal/lineproto"
	"github.com/dfingerd/dfingerd/internal/metrics"
	"github.com/dfingerd/dfingerd/internal/persist"
	"github.com/dfingerd/dfingerd/internal/presence"
	"github.com/dfingerd/dfingerd/internal/update"
)

// listenBacklog is the backlog passed to listen(2) for both ports.
const listenBacklog = 128

// resolveTimeout bounds the reverse-DNS lookup performed at accept
// time for an update connection. The lookup runs synchronously on the
// loop thread, so this caps how long one slow resolver can stall the
// whole loop.
const resolveTimeout = 2 * time.Second

// Server runs the event loop: it owns the listening sockets, the
// connection table, the presence store, and the housekeeper scheduler,
// and drives all of them from one goroutine.
type Server struct {
	cfg     *config.Config
	store   *presence.Store
	sched   *housekeeper.Scheduler
	table   *Table
	logger  *slog.Logger
	metrics *metrics.Collector

	updateFD int
	fingerFD int

	wakeR *os.File
	wakeW *os.File

	reconfigureCh chan struct{}
	quitCh        chan struct{}

	configPath  string
	levelVar    *slog.LevelVar
	lastPollFDs []unix.PollFd
}

// New creates a Server bound to cfg's listen ports. The presence store
// is recovered from cfg.DumpFile beforehand by the caller: New only
// wires the already-populated store into the loop. configPath and
// levelVar are used by Reconfigure to re-read the config file and
// update the live log level on SIGHUP; levelVar may be nil if the
// caller's logger does not support live level changes.
func New(cfg *config.Config, store *presence.Store, collector *metrics.Collector, logger *slog.Logger, configPath string, levelVar *slog.LevelVar) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "eventloop"))

	updateFD, err := listenTCP(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("eventloop: listen update port %d: %w", cfg.Port, err)
	}
	fingerFD, err := listenTCP(cfg.FingerPort)
	if err != nil {
		unix.Close(updateFD)
		return nil, fmt.Errorf("eventloop: listen finger port %d: %w", cfg.FingerPort, err)
	}

	wakeR, wakeW, err := os.Pipe()
	if err != nil {
		unix.Close(updateFD)
		unix.Close(fingerFD)
		return nil, fmt.Errorf("eventloop: create wake pipe: %w", err)
	}
	if err := unix.SetNonblock(int(wakeR.Fd()), true); err != nil {
		return nil, fmt.Errorf("eventloop: set wake pipe nonblocking: %w", err)
	}

	table := NewTable()
	table.Add(&Conn{FD: updateFD, Kind: KindUpdateListener})
	table.Add(&Conn{FD: fingerFD, Kind: KindFingerListener})

	s := &Server{
		cfg:           cfg,
		store:         store,
		sched:         newScheduler(cfg),
		table:         table,
		logger:        logger,
		metrics:       collector,
		updateFD:      updateFD,
		fingerFD:      fingerFD,
		wakeR:         wakeR,
		wakeW:         wakeW,
		reconfigureCh: make(chan struct{}, 1),
		quitCh:        make(chan struct{}, 1),
		configPath:    configPath,
		levelVar:      levelVar,
	}
	return s, nil
}

func newScheduler(cfg *config.Config) *housekeeper.Scheduler {
	periods := housekeeper.Periods{
		housekeeper.TaskSnapshot: time.Duration(cfg.TimeoutDumpSec) * time.Second,
		housekeeper.TaskIdleOut:  time.Duration(cfg.ClientLifetimeSec) * time.Second,
		housekeeper.TaskPurge:    time.Duration(cfg.TimeoutClearSec) * time.Second,
		housekeeper.TaskCut:      time.Duration(cfg.TimeoutCutSec) * time.Second,
	}
	return housekeeper.NewScheduler(time.Now(), periods)
}

// Reconfigure requests a SIGHUP-style reload on the next loop
// iteration: the config file is re-read and the housekeeper periods
// and log level are updated in place. Listen addresses are not
// hot-reloadable. Safe to call from a signal-handling goroutine.
func (s *Server) Reconfigure() {
	select {
	case s.reconfigureCh <- struct{}{}:
	default:
	}
	s.wake()
}

// Quit requests a graceful shutdown on the next loop iteration: state
// is dumped, both listeners and every open connection are closed, then
// Run returns. Safe to call from a signal-handling goroutine.
func (s *Server) Quit() {
	select {
	case s.quitCh <- struct{}{}:
	default:
	}
	s.wake()
}

func (s *Server) wake() {
	_, _ = s.wakeW.Write([]byte{0})
}

// Run executes the event loop until ctx is cancelled or Quit is
// called. It is the only method that touches the presence store after
// construction, and must only ever be called from one goroutine: the
// store has no locking by design.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Quit()
		case <-stopped:
		}
	}()
	defer close(stopped)

	lineBuf := make([]byte, presence.MaxUsernameLen+256)

	for {
		select {
		case <-s.quitCh:
			s.logger.Info("event loop stopping, writing final snapshot")
			if err := persist.Write(s.cfg.DumpFile, s.store); err != nil {
				s.logger.Error("final snapshot write failed", slog.String("error", err.Error()))
			}
			return nil
		default:
		}

		select {
		case <-s.reconfigureCh:
			s.handleReconfigure()
		default:
		}

		timeout := s.pollTimeout()
		n, err := s.poll(timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: poll: %w", err)
		}

		// Service ready fds before firing housekeeper tasks: lastPollFDs
		// was captured against the table as it stood before this
		// iteration's removals, and a task-driven swap-remove (IdleOut
		// closing a connection) would otherwise desync that mapping for
		// fds serviced afterward.
		if n > 0 {
			s.dispatch(lineBuf)
		}

		now := time.Now()
		for _, task := range s.sched.Fire(now) {
			s.runTask(task, now)
		}
	}
}

func (s *Server) pollTimeout() time.Duration {
	remaining := time.Until(s.sched.NextDeadline())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// poll mirrors table.All() 1:1 into pollfds, with the wake pipe
// prepended, and stashes the result in s.lastPollFDs so dispatch()
// never has to recompute which table index a ready fd belongs to.
func (s *Server) poll(timeout time.Duration) (int, error) {
	entries := s.table.All()
	fds := make([]unix.PollFd, 0, len(entries)+1)
	fds = append(fds, unix.PollFd{Fd: int32(s.wakeR.Fd()), Events: unix.POLLIN}) //nolint:gosec // G115: fd is always small positive.

	for _, c := range entries {
		var ev int16 = unix.POLLIN
		if c.Kind == KindFingerConn && c.PendingWrite() {
			ev = unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(c.FD), Events: ev}) //nolint:gosec // G115: fd is always small positive.
	}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if fds[0].Revents&unix.POLLIN != 0 {
		s.drainWake()
	}

	s.lastPollFDs = fds[1:]
	return n, nil
}

func (s *Server) drainWake() {
	var buf [64]byte
	for {
		n, err := s.wakeR.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

func (s *Server) handleReconfigure() {
	s.logger.Info("reconfiguring", slog.String("config_path", s.configPath))
	newCfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Error("reconfigure failed, keeping current settings", slog.String("error", err.Error()))
		return
	}

	s.sched.SetPeriod(housekeeper.TaskSnapshot, time.Duration(newCfg.TimeoutDumpSec)*time.Second)
	s.sched.SetPeriod(housekeeper.TaskIdleOut, time.Duration(newCfg.ClientLifetimeSec)*time.Second)
	s.sched.SetPeriod(housekeeper.TaskPurge, time.Duration(newCfg.TimeoutClearSec)*time.Second)
	s.sched.SetPeriod(housekeeper.TaskCut, time.Duration(newCfg.TimeoutCutSec)*time.Second)

	if s.levelVar != nil {
		s.levelVar.Set(config.ParseLogLevel(newCfg.LogLevel))
	}

	s.cfg.NumRecords = newCfg.NumRecords
	s.cfg.ClientLifetimeSec = newCfg.ClientLifetimeSec
	s.cfg.ArchiveTimeSec = newCfg.ArchiveTimeSec
	s.cfg.TimeoutDumpSec = newCfg.TimeoutDumpSec
	s.cfg.TimeoutClearSec = newCfg.TimeoutClearSec
	s.cfg.TimeoutCutSec = newCfg.TimeoutCutSec
	s.cfg.LogLevel = newCfg.LogLevel

	s.logger.Info("reconfigure complete")
}

func (s *Server) runTask(task housekeeper.TaskName, now time.Time) {
	switch task {
	case housekeeper.TaskSnapshot:
		if err := persist.Write(s.cfg.DumpFile, s.store); err != nil {
			s.logger.Error("periodic snapshot write failed", slog.String("error", err.Error()))
			return
		}
		if s.metrics != nil {
			s.metrics.SnapshotWrites.Inc()
		}
	case housekeeper.TaskIdleOut:
		housekeeper.IdleOut(s.store, now.Unix(), s.cfg.ClientLifetimeSec, s.closeConnByID)
	case housekeeper.TaskPurge:
		housekeeper.Purge(s.store, now.Unix(), s.cfg.ArchiveTimeSec)
	case housekeeper.TaskCut:
		housekeeper.Cut(s.store, s.cfg.NumRecords)
	}
	s.observeMetrics()
}

func (s *Server) observeMetrics() {
	if s.metrics == nil {
		return
	}
	machines := s.store.Machines()
	users := s.store.Users()
	live, past := 0, 0
	for _, m := range machines {
		live += len(s.store.LiveSessions(m))
		past += len(s.store.PastSessions(m))
	}
	s.metrics.Observe(len(machines), len(users), live, past)
}

func (s *Server) dispatch(lineBuf []byte) {
	entries := s.table.All()
	var toRemove []*Conn

	for i, pfd := range s.lastPollFDs {
		if i >= len(entries) {
			break
		}
		c := entries[i]
		// A swap-remove triggered mid-dispatch (acceptUpdate replacing a
		// machine's stale agent connection) can leave this snapshot
		// holding a nil or relocated entry; the fd check skips anything
		// that no longer matches what was actually polled.
		if c == nil || int32(c.FD) != pfd.Fd {
			continue
		}
		if pfd.Revents == 0 {
			continue
		}

		switch c.Kind {
		case KindUpdateListener:
			s.acceptUpdate()
		case KindFingerListener:
			s.acceptFinger()
		case KindUpdateConn:
			if s.serviceUpdateConn(c, lineBuf) {
				toRemove = append(toRemove, c)
			}
		case KindFingerConn:
			if s.serviceFingerConn(c) {
				toRemove = append(toRemove, c)
			}
		}
	}

	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i].Index > toRemove[j].Index })
	for _, c := range toRemove {
		unix.Close(c.FD)
		idx := c.Index
		moved := s.table.Remove(idx)
		s.reconcileConnID(moved, idx)
	}
}

// reconcileConnID fixes up Machine.ConnID after Table.Remove's
// swap-with-last moves moved into index: moved's Index already
// reflects the move, but an update connection's owning machine also
// caches that index in Machine.ConnID and must be updated in lockstep
// or it will go on to name the wrong connection.
func (s *Server) reconcileConnID(moved *Conn, index int) {
	if moved == nil || moved.Kind != KindUpdateConn || moved.Agent == nil {
		return
	}
	m := moved.Agent.Machine()
	if m.HasConn() {
		m.ConnID = int32(index) //nolint:gosec // G115: table index is bounded by MaxClients.
	}
}

func (s *Server) acceptUpdate() {
	fd, sa, err := unix.Accept4(s.updateFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.logger.Warn("accept update connection failed", slog.String("error", err.Error()))
		}
		return
	}

	if s.atCapacity() {
		unix.Close(fd)
		s.logger.Warn("connection table full, refusing update connection")
		return
	}

	hostname := resolvePeerHostname(sa)
	m := s.store.FindOrAddMachine(hostname)
	if m.HasConn() {
		s.closeConnByID(m.ConnID)
	}

	c := &Conn{FD: fd, Kind: KindUpdateConn, Peer: hostname}
	s.table.Add(c)
	c.Agent = update.NewAgent(s.store, m)
	m.ConnID = int32(c.Index) //nolint:gosec // G115: table index is bounded by MaxClients.

	s.logger.Debug("accepted update connection", slog.String("peer", hostname))
}

func (s *Server) acceptFinger() {
	fd, _, err := unix.Accept4(s.fingerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.logger.Warn("accept finger connection failed", slog.String("error", err.Error()))
		}
		return
	}
	if s.atCapacity() {
		unix.Close(fd)
		s.logger.Warn("connection table full, refusing finger connection")
		return
	}
	s.table.Add(&Conn{FD: fd, Kind: KindFingerConn})
}

// atCapacity reports whether the connection table has reached
// max_clients; on overflow the listener accepts and immediately
// closes. The two listener slots do not count against the cap.
func (s *Server) atCapacity() bool {
	return s.cfg.MaxClients > 0 && s.table.Len()-2 >= s.cfg.MaxClients
}

// serviceUpdateConn reads and applies as many complete records as are
// currently buffered, returning true if the connection should be
// removed from the table.
func (s *Server) serviceUpdateConn(c *Conn, lineBuf []byte) bool {
	n, err := unix.Read(c.FD, c.ReadSlice())
	switch {
	case err != nil && errors.Is(err, unix.EAGAIN):
		return false
	case err != nil:
		s.closeAgent(c)
		return true
	case n == 0:
		s.closeAgent(c)
		return true
	}
	c.AppendRead(n)

	for {
		line, result, ferr := c.FetchLine(lineBuf)
		if ferr != nil {
			s.closeAgent(c)
			return true
		}
		switch result {
		case lineproto.WantMore:
			c.Compact()
			return false
		case lineproto.TooLong:
			// Drop the offending connection rather than desynchronize
			// the framing.
			s.closeAgent(c)
			return true
		case lineproto.Err:
			s.closeAgent(c)
			return true
		case lineproto.LineFetched, lineproto.BlankLine:
			rec, perr := update.ParseRecord(line)
			if perr != nil {
				// Malformed login line: skip it, keep the connection open.
				continue
			}
			closeConn, aerr := c.Agent.Apply(rec)
			if aerr != nil {
				s.closeAgent(c)
				return true
			}
			if rec.Kind == update.KindControlEnd || rec.Kind == update.KindBlank || rec.Kind == update.KindControlBye {
				c.Agent.Machine().LastActivity = time.Now().Unix()
				if s.metrics != nil {
					s.metrics.UpdateCycles.Inc()
				}
				s.observeMetrics()
			}
			if closeConn {
				s.closeAgent(c)
				return true
			}
		}
	}
}

func (s *Server) closeAgent(c *Conn) {
	if c.Agent != nil {
		m := c.Agent.Machine()
		if m.ConnID == int32(c.Index) { //nolint:gosec // G115: table index bounded.
			m.ConnID = -1
		}
		c.Agent.Close()
	}
}

// serviceFingerConn drives a finger connection through its one-shot
// request/response lifecycle: read one line, render the response,
// write it, then signal removal.
func (s *Server) serviceFingerConn(c *Conn) bool {
	if c.PendingWrite() {
		return s.flushFinger(c)
	}

	lineBuf := make([]byte, 512)
	n, err := unix.Read(c.FD, c.ReadSlice())
	switch {
	case err != nil && errors.Is(err, unix.EAGAIN):
		return false
	case err != nil, n == 0:
		return true
	}
	c.AppendRead(n)

	line, result, ferr := c.FetchLine(lineBuf)
	if ferr != nil {
		return true
	}
	switch result {
	case lineproto.WantMore:
		c.Compact()
		return false
	case lineproto.TooLong, lineproto.Err:
		return true
	}

	req := finger.ParseRequest(line)
	resp := finger.Respond(s.store, req, time.Now().Unix())
	resp = append(resp, '\r', '\n')
	c.SetOutput(resp)

	if s.metrics != nil {
		s.metrics.FingerQueries.Inc()
		if req.Forwarding {
			s.metrics.ForwardingRefused.Inc()
		}
	}

	return s.flushFinger(c)
}

func (s *Server) flushFinger(c *Conn) bool {
	chunk := c.WriteChunk()
	if len(chunk) == 0 {
		return true
	}
	n, err := unix.Write(c.FD, chunk)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false
		}
		return true
	}
	c.AdvanceWrite(n)
	return !c.PendingWrite()
}

func (s *Server) closeConnByID(connID int32) {
	if connID < 0 {
		return
	}
	idx := int(connID)
	if idx >= s.table.Len() {
		return
	}
	c := s.table.At(idx)
	if c.Kind != KindUpdateConn {
		return
	}
	unix.Close(c.FD)
	s.closeAgent(c)
	moved := s.table.Remove(idx)
	s.reconcileConnID(moved, idx)
}

func (s *Server) closeAll() {
	for _, c := range s.table.All() {
		unix.Close(c.FD)
	}
	s.wakeR.Close()
	s.wakeW.Close()
}

// resolvePeerHostname resolves sa's address to a short hostname,
// falling back to the dotted address on lookup failure.
func resolvePeerHostname(sa unix.Sockaddr) string {
	ip := sockaddrIP(sa)
	if ip == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	return shortHostname(names[0])
}

func sockaddrIP(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	default:
		return ""
	}
}

// shortHostname returns the first dot-separated label of fqdn, and
// strips a trailing "." (as returned by reverse DNS lookups).
func shortHostname(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if i := strings.IndexByte(fqdn, '.'); i >= 0 {
		return fqdn[:i]
	}
	return fqdn
}

func listenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen :%d: %w", port, err)
	}
	return fd, nil
}
