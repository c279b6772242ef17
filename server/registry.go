package server

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"lanchat/protocol"
)

// DefaultMaxConnectionsPerUser caps the distinct client IPs of one user.
const DefaultMaxConnectionsPerUser = 3

// Registry rejection reasons, sent to the client verbatim after "ERROR ".
const (
	ReasonAlreadyConnected = "Error: Usuario ya conectado desde este equipo"
	ReasonIPLimit          = "Error: Limite de ips excedido, no puede ingresar en este equipo"
)

// RejectError is returned by Register when a connection cannot be added.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return e.Reason
}

var (
	ErrAlreadyConnected = &RejectError{Reason: ReasonAlreadyConnected}
	ErrIPLimit          = &RejectError{Reason: ReasonIPLimit}
)

var errInvalidRegistration = errors.New("registry: empty user or nil sink")

type RegistryConfig struct {
	MaxConnectionsPerUser int
	// EchoBroadcastToSender delivers a sender's own broadcasts back to
	// every connection of the sender.
	EchoBroadcastToSender bool
	Logger                *zap.Logger
	Metrics               *Metrics
}

// Registry tracks authenticated connections: user -> client IP -> sink.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Sink

	// presenceMu orders USERS passes so the last list a sink receives is
	// computed after every earlier change.
	presenceMu sync.Mutex

	maxPerUser int
	echo       bool
	log        *zap.Logger
	metrics    *Metrics
}

type target struct {
	user string
	ip   string
	sink Sink
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = DefaultMaxConnectionsPerUser
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		users:      make(map[string]map[string]Sink),
		maxPerUser: cfg.MaxConnectionsPerUser,
		echo:       cfg.EchoBroadcastToSender,
		log:        cfg.Logger.Named("registry"),
		metrics:    cfg.Metrics,
	}
}

// Register adds sink for (user, ip) and publishes the new user list.
func (r *Registry) Register(user, ip string, sink Sink) error {
	if user == "" || sink == nil {
		return errInvalidRegistration
	}

	r.mu.Lock()
	ips := r.users[user]
	if _, ok := ips[ip]; ok {
		r.mu.Unlock()
		r.metrics.RecordRejection("duplicate_ip")
		r.log.Warn("registration rejected: ip already connected", zap.String("user", user), zap.String("ip", ip))
		return ErrAlreadyConnected
	}
	if len(ips) >= r.maxPerUser {
		r.mu.Unlock()
		r.metrics.RecordRejection("ip_limit")
		r.log.Warn("registration rejected: ip limit reached",
			zap.String("user", user), zap.String("ip", ip), zap.Int("limit", r.maxPerUser))
		return ErrIPLimit
	}
	if ips == nil {
		ips = make(map[string]Sink)
		r.users[user] = ips
	}
	ips[ip] = sink
	total := len(r.users)
	r.mu.Unlock()

	r.metrics.SetRegisteredUsers(total)
	r.log.Info("user registered", zap.String("user", user), zap.String("ip", ip), zap.Int("users", total))
	r.broadcastUsers()
	return nil
}

// Unregister removes and closes the sink for (user, ip). Absent pairs are ignored.
func (r *Registry) Unregister(user, ip string) {
	r.remove(user, ip, nil)
}

// Release is Unregister restricted to sink: a newer registration for the same
// pair is left untouched.
func (r *Registry) Release(user, ip string, sink Sink) {
	r.remove(user, ip, sink)
}

func (r *Registry) remove(user, ip string, only Sink) {
	r.mu.Lock()
	sink, ok := r.users[user][ip]
	if !ok || (only != nil && sink != only) {
		r.mu.Unlock()
		return
	}
	r.deleteLocked(user, ip)
	total := len(r.users)
	r.mu.Unlock()

	sink.Close()
	r.metrics.SetRegisteredUsers(total)
	r.log.Info("user unregistered", zap.String("user", user), zap.String("ip", ip), zap.Int("users", total))
	r.broadcastUsers()
}

func (r *Registry) deleteLocked(user, ip string) {
	delete(r.users[user], ip)
	if len(r.users[user]) == 0 {
		delete(r.users, user)
	}
}

// SendTo writes line to every connection of user and reports whether at
// least one of them accepted it.
func (r *Registry) SendTo(user, line string) bool {
	r.mu.RLock()
	targets := make([]target, 0, len(r.users[user]))
	for ip, sink := range r.users[user] {
		targets = append(targets, target{user: user, ip: ip, sink: sink})
	}
	r.mu.RUnlock()

	return r.deliver(targets, line) > 0
}

// BroadcastMessage sends "MSGFROM sender|text" to everyone.
func (r *Registry) BroadcastMessage(sender, text string) int {
	return r.Broadcast(sender, protocol.MsgFrom(sender, text))
}

// Broadcast sends line to every connection; the sender's own connections
// are skipped unless EchoBroadcastToSender is set.
func (r *Registry) Broadcast(sender, line string) int {
	skip := ""
	if !r.echo {
		skip = sender
	}
	n := r.deliver(r.snapshot(skip), line)
	r.metrics.ObserveFanout(n)
	return n
}

// BroadcastRaw sends line to every connection, including the sender's.
func (r *Registry) BroadcastRaw(line string) int {
	n := r.deliver(r.snapshot(""), line)
	r.metrics.ObserveFanout(n)
	return n
}

// ConnectedUsers returns the registered usernames, sorted.
func (r *Registry) ConnectedUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// UserSessions returns the client IPs of every registered user, sorted.
func (r *Registry) UserSessions() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.users))
	for u, ips := range r.users {
		list := make([]string, 0, len(ips))
		for ip := range ips {
			list = append(list, ip)
		}
		sort.Strings(list)
		out[u] = list
	}
	return out
}

// Connections returns the number of registered (user, ip) pairs.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ips := range r.users {
		n += len(ips)
	}
	return n
}

func (r *Registry) snapshot(skipUser string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []target
	for user, ips := range r.users {
		if skipUser != "" && strings.EqualFold(user, skipUser) {
			continue
		}
		for ip, sink := range ips {
			targets = append(targets, target{user: user, ip: ip, sink: sink})
		}
	}
	return targets
}

// deliver writes line to targets and republishes presence if a failed sink
// had to be pruned.
func (r *Registry) deliver(targets []target, line string) int {
	sent, pruned := r.write(targets, line)
	if pruned {
		r.broadcastUsers()
	}
	return sent
}

func (r *Registry) write(targets []target, line string) (sent int, pruned bool) {
	for _, t := range targets {
		if err := t.sink.WriteLine(line); err != nil {
			r.log.Warn("write failed, dropping connection",
				zap.String("user", t.user), zap.String("ip", t.ip), zap.Error(err))
			if r.drop(t) {
				pruned = true
			}
			continue
		}
		sent++
	}
	return sent, pruned
}

func (r *Registry) drop(t target) bool {
	r.mu.Lock()
	current, ok := r.users[t.user][t.ip]
	if !ok || current != t.sink {
		r.mu.Unlock()
		return false
	}
	r.deleteLocked(t.user, t.ip)
	total := len(r.users)
	r.mu.Unlock()

	t.sink.Close()
	r.metrics.SetRegisteredUsers(total)
	return true
}

// broadcastUsers publishes the sorted user list until no write fails.
// Each retry follows the removal of at least one sink, so it terminates.
func (r *Registry) broadcastUsers() {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	for {
		users := r.ConnectedUsers()
		line := protocol.Users(users)
		r.log.Debug("broadcasting user list", zap.Strings("users", users))
		if _, pruned := r.write(r.snapshot(""), line); !pruned {
			return
		}
	}
}
