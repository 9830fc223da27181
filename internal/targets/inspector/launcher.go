/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package inspector attaches to runtimes that are already running with their debugger
// endpoint open, discovering debuggable units through the endpoint's /json/list document.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/internal/targets/cdptarget"
	"github.com/microsoft/jsdebug/pkg/resiliency"
)

const (
	DefaultPollInterval = time.Second

	defaultAddress     = "127.0.0.1"
	defaultNodePort    = 9229
	defaultChromePort  = 9222
	defaultTimeout     = 10 * time.Second
	maxPollFailures    = 3
	discoveryMaxDelay  = 500 * time.Millisecond
	endpointRequestTTL = 5 * time.Second
)

// Runtime-reported target types that the adapter attaches to without being asked.
var autoAttachTypes = map[string]bool{
	"node":           true,
	"page":           true,
	"iframe":         true,
	"worker":         true,
	"service_worker": true,
}

type Config struct {
	// PollInterval is how often the endpoint is checked for target changes once attached.
	PollInterval time.Duration
	// HTTPClient is used to query the endpoint. Defaults to a client with a short timeout.
	HTTPClient *http.Client
	// Dialer is used to open debugger connections. Defaults to cdp.DialWebSocket.
	Dialer cdptarget.Dialer
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

// attachArguments are the properties of an attach configuration this launcher understands.
type attachArguments struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	// Timeout for the initial discovery, in milliseconds.
	Timeout int    `json:"timeout"`
	WebRoot string `json:"webRoot"`
	URL     string `json:"url"`
}

// listEntry is one element of the /json/list document.
type listEntry struct {
	ID                   string `json:"id"`
	ParentID             string `json:"parentId"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// attachment is one attach configuration being served.
type attachment struct {
	config   targets.LaunchConfig
	args     attachArguments
	endpoint string
	origin   targets.OriginID
	ctx      context.Context
	cancel   context.CancelFunc
	failures int
}

type Launcher struct {
	config Config
	log    logr.Logger

	// mu protects the fields below
	mu       sync.Mutex
	current  *attachment
	targets  map[string]*cdptarget.Target
	order    []string
	disposed bool

	listChanged *pubsub.SubscriptionSet[struct{}]
	terminated  *pubsub.SubscriptionSet[targets.TerminatedEvent]
}

var _ targets.Launcher = (*Launcher)(nil)

func NewLauncher(config Config) *Launcher {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: endpointRequestTTL}
	}
	if config.Dialer == nil {
		config.Dialer = cdp.DialWebSocket
	}

	return &Launcher{
		config:      config,
		log:         log.WithName("inspector"),
		targets:     make(map[string]*cdptarget.Target),
		listChanged: pubsub.NewSubscriptionSet[struct{}](),
		terminated:  pubsub.NewSubscriptionSet[targets.TerminatedEvent](),
	}
}

func (l *Launcher) Launch(ctx context.Context, config targets.LaunchConfig, lc targets.LaunchContext) targets.LaunchResult {
	if !config.Matches(targets.DebugTypeNode, targets.RequestAttach) && !config.Matches(targets.DebugTypeChrome, targets.RequestAttach) {
		return targets.LaunchResult{}
	}

	var args attachArguments
	if decodeErr := config.Decode(&args); decodeErr != nil {
		return targets.LaunchResult{Error: decodeErr.Error()}
	}
	applyDefaults(config.Type, &args)

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return targets.LaunchResult{Error: "the debug session is shutting down"}
	}
	if l.current != nil {
		l.mu.Unlock()
		return targets.LaunchResult{Error: fmt.Sprintf("already attached to %s", l.current.endpoint)}
	}
	att := &attachment{
		config:   config,
		args:     args,
		endpoint: net.JoinHostPort(args.Address, strconv.Itoa(args.Port)),
		origin:   lc.Origin,
	}
	att.ctx, att.cancel = context.WithCancel(context.Background())
	l.current = att
	l.mu.Unlock()

	discoveryCtx, cancelDiscovery := context.WithTimeout(ctx, time.Duration(args.Timeout)*time.Millisecond)
	defer cancelDiscovery()

	b := backoff.NewExponentialBackOff(backoff.WithMaxInterval(discoveryMaxDelay), backoff.WithMaxElapsedTime(0))
	entries, discoveryErr := resiliency.RetryGet(discoveryCtx, b, func() ([]listEntry, error) {
		return l.fetchList(discoveryCtx, att.endpoint)
	})
	if discoveryErr != nil {
		l.mu.Lock()
		if l.current == att {
			l.current = nil
		}
		l.mu.Unlock()
		att.cancel()

		l.log.V(1).Info("Could not discover targets", "Endpoint", att.endpoint, "Error", discoveryErr.Error())
		return targets.LaunchResult{Error: fmt.Sprintf("cannot connect to the runtime at %s: %v", att.endpoint, discoveryErr)}
	}

	if lc.Output != nil {
		lc.Output(targets.OutputConsole, fmt.Sprintf("Debugger attached to %s\n", att.endpoint))
	}

	l.apply(att, entries)
	go wait.UntilWithContext(att.ctx, func(pollCtx context.Context) { l.poll(pollCtx, att) }, l.config.PollInterval)

	return targets.LaunchResult{BlockSessionTermination: true}
}

func applyDefaults(debugType targets.DebugType, args *attachArguments) {
	if args.Address == "" {
		args.Address = defaultAddress
	}
	if args.Port == 0 {
		if debugType == targets.DebugTypeChrome {
			args.Port = defaultChromePort
		} else {
			args.Port = defaultNodePort
		}
	}
	if args.Timeout <= 0 {
		args.Timeout = int(defaultTimeout / time.Millisecond)
	}
}

func (l *Launcher) fetchList(ctx context.Context, endpoint string) ([]listEntry, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/json/list", nil)
	if reqErr != nil {
		return nil, resiliency.Permanent(reqErr)
	}

	resp, respErr := l.config.HTTPClient.Do(req)
	if respErr != nil {
		return nil, respErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, endpoint)
	}

	var entries []listEntry
	if decodeErr := json.NewDecoder(resp.Body).Decode(&entries); decodeErr != nil {
		return nil, fmt.Errorf("invalid target list from %s: %w", endpoint, decodeErr)
	}
	return entries, nil
}

func (l *Launcher) poll(ctx context.Context, att *attachment) {
	entries, fetchErr := l.fetchList(ctx, att.endpoint)
	if ctx.Err() != nil {
		return
	}
	if fetchErr != nil {
		att.failures++
		l.log.V(1).Info("Target list request failed", "Endpoint", att.endpoint, "Error", fetchErr.Error(), "Failures", att.failures)
		if att.failures >= maxPollFailures {
			l.end(att, true, targets.TerminatedEvent{})
		}
		return
	}

	att.failures = 0
	l.apply(att, entries)
}

// apply brings the target set in line with the endpoint's list.
func (l *Launcher) apply(att *attachment, entries []listEntry) {
	type rename struct {
		target *cdptarget.Target
		name   string
	}
	var renames []rename
	var removed []*cdptarget.Target
	changed := false

	l.mu.Lock()
	if l.current != att {
		l.mu.Unlock()
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range l.filter(att, entries) {
		seen[e.ID] = true
		if existing, found := l.targets[e.ID]; found {
			if existing.Name() != e.Title {
				renames = append(renames, rename{existing, e.Title})
			}
			continue
		}

		var parent targets.Target
		if p, found := l.targets[e.ParentID]; found && e.ParentID != "" {
			parent = p
		}
		l.targets[e.ID] = l.newTarget(att, e, parent)
		l.order = append(l.order, e.ID)
		changed = true
	}

	kept := l.order[:0]
	for _, id := range l.order {
		if seen[id] {
			kept = append(kept, id)
			continue
		}
		removed = append(removed, l.targets[id])
		delete(l.targets, id)
		changed = true
	}
	l.order = kept
	l.mu.Unlock()

	for _, t := range removed {
		t.MarkGone()
	}
	for _, r := range renames {
		r.target.SetName(r.name)
	}
	if changed {
		l.listChanged.Notify(struct{}{})
	}
}

// filter drops entries another debugger owns and, for browsers, pages outside the configured URL.
// Parents come before their children in the result.
func (l *Launcher) filter(att *attachment, entries []listEntry) []listEntry {
	byID := make(map[string]listEntry, len(entries))
	for _, e := range entries {
		if e.WebSocketDebuggerURL != "" {
			byID[e.ID] = e
		}
	}

	accepted := make(map[string]bool, len(byID))
	var accept func(e listEntry) bool
	accept = func(e listEntry) bool {
		if ok, decided := accepted[e.ID]; decided {
			return ok
		}
		accepted[e.ID] = false
		if parent, hasParent := byID[e.ParentID]; hasParent && e.ParentID != "" {
			accepted[e.ID] = accept(parent)
		} else {
			accepted[e.ID] = att.args.URL == "" || att.config.Type != targets.DebugTypeChrome || strings.HasPrefix(e.URL, att.args.URL)
		}
		return accepted[e.ID]
	}

	var result []listEntry
	added := make(map[string]bool, len(byID))
	var add func(e listEntry)
	add = func(e listEntry) {
		if added[e.ID] || !accept(e) {
			return
		}
		added[e.ID] = true
		if parent, hasParent := byID[e.ParentID]; hasParent && e.ParentID != "" {
			add(parent)
		}
		result = append(result, e)
	}
	for _, e := range entries {
		if _, usable := byID[e.ID]; usable {
			add(e)
		}
	}
	return result
}

func (l *Launcher) newTarget(att *attachment, e listEntry, parent targets.Target) *cdptarget.Target {
	var resolver targets.PathResolver = targets.FileURLResolver{}
	if att.config.Type == targets.DebugTypeChrome && att.args.WebRoot != "" {
		resolver = targets.WebRootResolver{BaseURL: e.URL, WebRoot: att.args.WebRoot}
	}

	cfg := cdptarget.Config{
		ID:                 e.ID,
		Name:               e.Title,
		Parent:             parent,
		Origin:             att.origin,
		Type:               att.config.Type,
		WebSocketURL:       e.WebSocketDebuggerURL,
		WaitingForDebugger: autoAttachTypes[e.Type],
		PathResolver:       resolver,
		Dialer:             l.config.Dialer,
		Logger:             l.log,
	}

	if att.config.Type == targets.DebugTypeChrome {
		id := e.ID
		cfg.Stop = func(ctx context.Context, _ *cdp.Conn) error {
			return l.closeTarget(ctx, att.endpoint, id)
		}
	} else {
		cfg.Stop = func(ctx context.Context, conn *cdp.Conn) error {
			if conn == nil {
				return nil
			}
			_, err := conn.Send(ctx, "Runtime.evaluate", map[string]any{"expression": "process.exit(0)"})
			if errors.Is(err, cdp.ErrConnectionClosed) {
				// The process exited before it could answer.
				return nil
			}
			return err
		}
	}

	return cdptarget.New(cfg)
}

func (l *Launcher) closeTarget(ctx context.Context, endpoint, id string) error {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/json/close/"+id, nil)
	if reqErr != nil {
		return reqErr
	}
	resp, respErr := l.config.HTTPClient.Do(req)
	if respErr != nil {
		return fmt.Errorf("could not close target %s: %w", id, respErr)
	}
	resp.Body.Close()
	return nil
}

// end stops serving the attachment. All targets go away; subscribers learn about termination if requested.
func (l *Launcher) end(att *attachment, reportTermination bool, ev targets.TerminatedEvent) {
	l.mu.Lock()
	if l.current != att {
		l.mu.Unlock()
		return
	}
	l.current = nil
	removed := make([]*cdptarget.Target, 0, len(l.order))
	for _, id := range l.order {
		removed = append(removed, l.targets[id])
	}
	clear(l.targets)
	l.order = nil
	l.mu.Unlock()

	att.cancel()
	for _, t := range removed {
		t.MarkGone()
	}
	if len(removed) > 0 {
		l.listChanged.Notify(struct{}{})
	}
	if reportTermination {
		l.terminated.Notify(ev)
	}
}

func (l *Launcher) currentAttachment() *attachment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Terminate stops every target and then ends the attachment.
func (l *Launcher) Terminate(ctx context.Context) error {
	att := l.currentAttachment()
	if att == nil {
		return nil
	}

	var errs []error
	for _, t := range l.cdpTargets() {
		if stopErr := t.Stop(ctx); stopErr != nil {
			errs = append(errs, stopErr)
		}
	}
	l.end(att, true, targets.TerminatedEvent{})
	return errors.Join(errs...)
}

// Disconnect leaves the runtime running and ends the attachment.
func (l *Launcher) Disconnect(_ context.Context) error {
	if att := l.currentAttachment(); att != nil {
		l.end(att, true, targets.TerminatedEvent{})
	}
	return nil
}

// Restart is a no-op: an attached runtime is not ours to restart.
func (l *Launcher) Restart(_ context.Context) error {
	return nil
}

func (l *Launcher) cdpTargets() []*cdptarget.Target {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := make([]*cdptarget.Target, 0, len(l.order))
	for _, id := range l.order {
		list = append(list, l.targets[id])
	}
	return list
}

func (l *Launcher) TargetList() []targets.Target {
	cdpTargets := l.cdpTargets()
	list := make([]targets.Target, len(cdpTargets))
	for i, t := range cdpTargets {
		list[i] = t
	}
	return list
}

func (l *Launcher) SubscribeTargetListChanged(sink chan<- struct{}) *pubsub.Subscription[struct{}] {
	return l.listChanged.Subscribe(sink)
}

func (l *Launcher) SubscribeTerminated(sink chan<- targets.TerminatedEvent) *pubsub.Subscription[targets.TerminatedEvent] {
	return l.terminated.Subscribe(sink)
}

func (l *Launcher) Dispose() {
	l.mu.Lock()
	l.disposed = true
	l.mu.Unlock()

	l.listChanged.Close()
	l.terminated.Close()
	if att := l.currentAttachment(); att != nil {
		l.end(att, false, targets.TerminatedEvent{})
	}
}
