package connector

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/edgelink-io/opcua-connector/pkg/config"
	"github.com/edgelink-io/opcua-connector/pkg/metrics"
)

// Connection lifecycle states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
)

// Connection lifecycle events.
const (
	eventConnect        = "connect"
	eventConnected      = "connected"
	eventConnectionLost = "connectionLost"
	eventStop           = "stop"
	eventStopped        = "stopped"
)

// Connect retry parameters; the k-th delay is initial * factor^(k-1).
const (
	connectInitialDelay = time.Second
	connectDelayFactor  = 2.0
)

// ConnectionManager establishes and tears down sessions against the
// configured endpoint, tracking the lifecycle in a state machine.
type ConnectionManager struct {
	cfg     *config.ServerConfig
	name    string
	log     *zap.SugaredLogger
	machine *fsm.FSM

	// test hooks
	newSession func(ctx context.Context) (Session, error)
	newBackoff func() *backoff.ExponentialBackOff
}

func NewConnectionManager(cfg *config.ServerConfig, name string, log *zap.SugaredLogger) *ConnectionManager {
	m := &ConnectionManager{cfg: cfg, name: name, log: log}
	m.newSession = m.dial
	m.newBackoff = func() *backoff.ExponentialBackOff {
		return newConnectBackoff(connectInitialDelay, connectDelayFactor)
	}
	m.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventConnectionLost, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
			{Name: eventStop, Src: []string{StateDisconnected, StateConnecting, StateConnected}, Dst: StateStopping},
			{Name: eventStopped, Src: []string{StateStopping}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("Connection %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return m
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() string {
	return m.machine.Current()
}

// Connect dials the server with exponential backoff and returns a live
// session. Configuration errors (bad certificates, rejected identity) abort
// immediately; transport errors retry up to the configured attempt budget.
func (m *ConnectionManager) Connect(ctx context.Context) (Session, error) {
	if err := m.machine.Event(ctx, eventConnect); err != nil {
		return nil, fmt.Errorf("connection is %s: %w", m.State(), err)
	}

	var session Session
	attempt := 0
	op := func() error {
		attempt++
		s, err := m.newSession(ctx)
		if err != nil {
			if isPermanentConnectError(err) {
				return backoff.Permanent(err)
			}
			m.log.Warnf("Connect attempt %d to %s failed: %v", attempt, m.cfg.URL, err)
			return err
		}
		session = s
		return nil
	}

	b := m.newBackoff()
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(m.cfg.ConnectMaxAttempts-1)), ctx))
	if err != nil {
		_ = m.machine.Event(ctx, eventConnectionLost)
		return nil, fmt.Errorf("connecting to %s: %w", m.cfg.URL, err)
	}

	if err := m.machine.Event(ctx, eventConnected); err != nil {
		_ = session.Close(ctx)
		return nil, err
	}
	metrics.IncReconnects(m.name)
	m.log.Infof("Connected to %s", m.cfg.URL)
	return session, nil
}

// ConnectionLost moves the machine back to disconnected after a session
// failure observed by the serve loop.
func (m *ConnectionManager) ConnectionLost(ctx context.Context) {
	if m.machine.Is(StateConnected) || m.machine.Is(StateConnecting) {
		_ = m.machine.Event(ctx, eventConnectionLost)
	}
}

// BeginStop transitions into stopping from whatever state we are in.
func (m *ConnectionManager) BeginStop(ctx context.Context) {
	if !m.machine.Is(StateStopping) && !m.machine.Is(StateStopped) {
		_ = m.machine.Event(ctx, eventStop)
	}
}

// FinishStop completes the shutdown transition.
func (m *ConnectionManager) FinishStop(ctx context.Context) {
	if m.machine.Is(StateStopping) {
		_ = m.machine.Event(ctx, eventStopped)
	}
}

// DisconnectIfConnected closes the session, swallowing timeout errors; the
// server may already be gone when we disconnect.
func (m *ConnectionManager) DisconnectIfConnected(ctx context.Context, session Session) {
	if session == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		m.log.Debugf("Closing session: %v", err)
	}
}

// dial discovers endpoints, picks one matching the configured security
// policy and mode, assembles client options, and opens the session.
func (m *ConnectionManager) dial(ctx context.Context) (Session, error) {
	tokenType := m.userTokenType()

	endpoints, err := gopcua.GetEndpoints(ctx, m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("endpoint discovery: %w", err)
	}

	ep, err := m.selectEndpoint(endpoints, tokenType)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	opts, err := m.clientOptions(ep, tokenType)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	client, err := gopcua.NewClient(m.cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return wrapSession(client), nil
}

func (m *ConnectionManager) userTokenType() ua.UserTokenType {
	switch m.cfg.Identity.Type {
	case "username":
		return ua.UserTokenTypeUserName
	case "cert.PEM":
		return ua.UserTokenTypeCertificate
	default:
		return ua.UserTokenTypeAnonymous
	}
}

// selectEndpoint finds an endpoint matching the configured security policy,
// mode and the chosen user token type. Unset policy and mode default to None.
func (m *ConnectionManager) selectEndpoint(endpoints []*ua.EndpointDescription, tokenType ua.UserTokenType) (*ua.EndpointDescription, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("server advertised no endpoints")
	}

	policy := m.cfg.Security
	if policy == "" {
		policy = "None"
	}
	mode := m.cfg.SecurityMode
	if mode == "" {
		mode = "None"
	}

	for _, endpoint := range endpoints {
		for _, userIdentity := range endpoint.UserIdentityTokens {
			if tokenType == userIdentity.TokenType &&
				endpoint.SecurityPolicyURI == ua.FormatSecurityPolicyURI(policy) &&
				endpoint.SecurityMode == ua.MessageSecurityModeFromString(mode) {
				return endpoint, nil
			}
		}
	}
	return nil, fmt.Errorf("no endpoint offers policy %q mode %q for token type %s", policy, mode, tokenType)
}

func (m *ConnectionManager) clientOptions(ep *ua.EndpointDescription, tokenType ua.UserTokenType) ([]gopcua.Option, error) {
	opts := []gopcua.Option{
		gopcua.SecurityFromEndpoint(ep, tokenType),
		gopcua.SessionTimeout(m.cfg.SessionTimeout()),
		gopcua.RequestTimeout(m.cfg.Timeout()),
		gopcua.ApplicationName("opcua-connector"),
	}

	switch tokenType {
	case ua.UserTokenTypeUserName:
		opts = append(opts, gopcua.AuthUsername(m.cfg.Identity.Username, m.cfg.Identity.Password))

	case ua.UserTokenTypeCertificate:
		cert, err := tls.LoadX509KeyPair(m.cfg.Identity.Cert, m.cfg.Identity.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("client private key must be RSA")
		}
		opts = append(opts, gopcua.PrivateKey(pk), gopcua.Certificate(cert.Certificate[0]))
	}
	return opts, nil
}

// newConnectBackoff builds the deterministic retry schedule: no jitter, the
// k-th delay is initial * factor^(k-1).
func newConnectBackoff(initial time.Duration, factor float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = factor
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// isPermanentConnectError reports whether retrying cannot help: the
// configuration itself was rejected.
func isPermanentConnectError(err error) bool {
	var code ua.StatusCode
	if errors.As(err, &code) {
		switch code {
		case ua.StatusBadUserAccessDenied,
			ua.StatusBadIdentityTokenInvalid,
			ua.StatusBadIdentityTokenRejected,
			ua.StatusBadCertificateInvalid,
			ua.StatusBadCertificateUntrusted,
			ua.StatusBadSecurityPolicyRejected:
			return true
		}
	}
	return false
}
