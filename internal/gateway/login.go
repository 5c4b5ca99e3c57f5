package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/energizer-project/shard/internal/db"
	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/protocol"
	"github.com/energizer-project/shard/internal/protocol/packets"
	"github.com/energizer-project/shard/internal/session"
)

var errAccountInUse = errors.New("account already logged in")

// Authenticator checks account credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// Shard is one entry of the server list.
type Shard struct {
	Name     string
	Address  netip.Addr
	Port     uint16
	Timezone int8
}

// LoginConfig configures the login flow.
type LoginConfig struct {
	Shards             []Shard
	CompressAfterLogin bool
	EncryptAfterLogin  bool
	Capacity           int // used for the percent-full column, 0 reports 0%
	AuthTimeout        time.Duration
	TicketTTL          time.Duration
}

type ticket struct {
	account string
	expires time.Time
}

// Login implements the account login, shard redirect and world entry
// handshake.
type Login struct {
	gw   *Gateway
	auth Authenticator
	cfg  LoginConfig

	mu      sync.Mutex
	tickets map[uint32]ticket
}

// RegisterLoginHandlers installs the login flow handlers on g.
func RegisterLoginHandlers(g *Gateway, auth Authenticator, cfg LoginConfig) (*Login, error) {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 30 * time.Second
	}
	l := &Login{gw: g, auth: auth, cfg: cfg, tickets: make(map[uint32]ticket)}

	handlers := []struct {
		opcode byte
		h      Handler
	}{
		{packets.OpLoginSeed, l.loginSeed},
		{packets.OpClientVersion, l.clientVersion},
		{packets.OpAccountLogin, l.accountLogin},
		{packets.OpSelectServer, l.selectServer},
		{packets.OpGameLogin, l.gameLogin},
		{packets.OpPlayCharacter, l.playCharacter},
		{packets.OpUnicodeSpeech, l.unicodeSpeech},
		{packets.OpPing, l.ping},
	}
	for _, e := range handlers {
		if err := g.Handle(e.opcode, e.h); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Login) loginSeed(s *Session, msg protocol.Message) error {
	m := msg.(*packets.LoginSeed)
	from, err := s.state.BeginLogin(m.Seed, session.ClientVersion{
		Major: m.Major, Minor: m.Minor, Revision: m.Revision, Patch: m.Patch,
	})
	if err != nil {
		return err
	}
	l.gw.phaseChanged(s, from)
	return nil
}

func (l *Login) clientVersion(s *Session, msg protocol.Message) error {
	v, err := session.ParseClientVersion(msg.(*packets.ClientVersion).Version)
	if err != nil {
		return err
	}
	s.state.SetClientVersion(v)
	return nil
}

func (l *Login) accountLogin(s *Session, msg protocol.Message) error {
	m := msg.(*packets.AccountLogin)

	if l.accountInUse(m.Username, s.ID()) {
		return l.deny(s, m.Username, packets.DenyAccountInUse, errAccountInUse)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.AuthTimeout)
	defer cancel()
	if err := l.auth.Authenticate(ctx, m.Username, m.Password); err != nil {
		return l.deny(s, m.Username, denyReason(err), err)
	}

	from, err := s.state.Authenticate(m.Username)
	if err != nil {
		return err
	}
	l.gw.phaseChanged(s, from)
	return s.Send(l.serverList())
}

func (l *Login) serverList() *packets.ServerList {
	percent := 0
	if l.cfg.Capacity > 0 {
		percent = min(100, l.gw.table.Len()*100/l.cfg.Capacity)
	}

	list := &packets.ServerList{Flags: 0x5D, Servers: make([]packets.ServerEntry, len(l.cfg.Shards))}
	for i, sh := range l.cfg.Shards {
		list.Servers[i] = packets.ServerEntry{
			Index:       uint16(i),
			Name:        sh.Name,
			PercentFull: uint8(percent),
			Timezone:    sh.Timezone,
			Address:     sh.Address,
		}
	}
	return list
}

func (l *Login) selectServer(s *Session, msg protocol.Message) error {
	m := msg.(*packets.SelectServer)
	account := s.state.Account()
	if account == "" {
		return errors.New("shard selected before account login")
	}
	if int(m.Index) >= len(l.cfg.Shards) {
		return fmt.Errorf("no shard with index %d", m.Index)
	}
	sh := l.cfg.Shards[m.Index]

	key, err := l.issueTicket(account)
	if err != nil {
		return err
	}
	return s.Send(&packets.ServerRedirect{Address: sh.Address, Port: sh.Port, AuthKey: key})
}

func (l *Login) issueTicket(account string) (uint32, error) {
	var b [4]byte
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, t := range l.tickets {
		if now.After(t.expires) {
			delete(l.tickets, k)
		}
	}
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to generate ticket: %w", err)
		}
		key := binary.BigEndian.Uint32(b[:])
		if _, taken := l.tickets[key]; key != 0 && !taken {
			l.tickets[key] = ticket{account: account, expires: now.Add(l.cfg.TicketTTL)}
			return key, nil
		}
	}
}

// redeemTicket consumes a ticket issued to account.
func (l *Login) redeemTicket(key uint32, account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tickets[key]
	if !ok {
		return false
	}
	delete(l.tickets, key)
	return time.Now().Before(t.expires) && strings.EqualFold(t.account, account)
}

// PendingTickets returns the number of unredeemed tickets.
func (l *Login) PendingTickets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tickets)
}

func (l *Login) gameLogin(s *Session, msg protocol.Message) error {
	m := msg.(*packets.GameLogin)
	if !l.redeemTicket(m.AuthKey, m.Username) {
		return l.deny(s, m.Username, packets.DenyCommunication, errors.New("invalid or expired ticket"))
	}

	from, err := s.state.Authenticate(m.Username)
	if err != nil {
		return err
	}
	l.gw.phaseChanged(s, from)
	// toggles apply from the next chunk on; the client waits for the world
	// before sending again
	if l.cfg.CompressAfterLogin {
		s.state.EnableCompression()
	}
	if l.cfg.EncryptAfterLogin {
		s.state.EnableEncryption()
	}
	return nil
}

func (l *Login) playCharacter(s *Session, msg protocol.Message) error {
	m := msg.(*packets.PlayCharacter)
	from, err := s.state.EnterWorld(m.Name)
	if err != nil {
		return err
	}
	l.gw.phaseChanged(s, from)
	return nil
}

func (l *Login) unicodeSpeech(s *Session, msg protocol.Message) error {
	m := msg.(*packets.UnicodeSpeech)
	if s.state.Phase() != session.PhaseInGame {
		return errors.New("speech before entering the world")
	}
	character := s.state.Character()

	l.gw.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventSpeech,
		Source: eventSource,
		Payload: events.SpeechPayload{
			SessionID: s.ID(),
			Character: character,
			Language:  m.Language,
			Type:      uint8(m.Type),
			Text:      m.Text,
		},
	})

	_, err := l.gw.Broadcast(&packets.Speech{
		Serial:   uint32(s.ID()),
		Type:     m.Type,
		Hue:      m.Hue,
		Font:     m.Font,
		Language: m.Language,
		Name:     character,
		Text:     m.Text,
	})
	return err
}

func (l *Login) ping(s *Session, msg protocol.Message) error {
	return s.Send(&packets.Ping{Seq: msg.(*packets.Ping).Seq})
}

// deny refuses a login and closes the session.
func (l *Login) deny(s *Session, account string, reason packets.DenyReason, cause error) error {
	l.gw.logger.Info().
		Uint64("session", s.ID()).
		Str("account", account).
		Stringer("reason", reason).
		AnErr("cause", cause).
		Msg("login denied")

	l.gw.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventLoginFailed,
		Source: eventSource,
		Payload: events.LoginFailedPayload{
			SessionID: s.ID(),
			Remote:    s.state.Remote(),
			Account:   account,
			Reason:    reason.String(),
		},
	})

	err := s.Send(&packets.LoginDenied{Reason: reason})
	s.Close()
	return err
}

func (l *Login) accountInUse(account string, self uint64) bool {
	for _, st := range l.gw.table.All() {
		if st.ID() != self && st.Phase().Active() && strings.EqualFold(st.Account(), account) {
			return true
		}
	}
	return false
}

func denyReason(err error) packets.DenyReason {
	switch {
	case errors.Is(err, db.ErrBadPassword):
		return packets.DenyBadPassword
	case errors.Is(err, db.ErrAccountBlocked):
		return packets.DenyAccountBlocked
	case errors.Is(err, db.ErrAccountNotFound):
		return packets.DenyIncorrectCredentials
	case errors.Is(err, context.DeadlineExceeded):
		return packets.DenyCommunication
	default:
		return packets.DenyIncorrectCredentials
	}
}
