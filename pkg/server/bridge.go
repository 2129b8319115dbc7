package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/session"
	"github.com/wirecall-dev/wirecall/pkg/token"
)

// Box type tags of the two bridge tokens.
const (
	contextTokenType = "ctb"
	updateTokenType  = "sut"
)

// NewSocketID returns a fresh 16-byte hex socket identifier.
func NewSocketID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("server: failed to generate socket id: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ContextPayload is the HTTP-plane trust a context token carries onto
// a socket: the judged request properties, the session snapshot at
// issue time, and the groups the properties were judged for.
type ContextPayload struct {
	SocketID string
	Props    *security.RequestProperties
	Session  *session.Snapshot
	Groups   []string
}

type contextTokenClaims struct {
	SocketID string                      `json:"socketId"`
	Props    *security.RequestProperties `json:"securityProps"`
	Record   []byte                      `json:"sessionRecord,omitempty"`
	Groups   []string                    `json:"coveredGroups,omitempty"`
}

type updateTokenClaims struct {
	Record  []byte `json:"sessionRecord,omitempty"`
	Destroy string `json:"destroySession,omitempty"`
}

// SessionUpdate is the outcome of a socket call that changed the cookie
// session. Next is the state to store, nil for a plain destroy;
// DestroyID names a record the call destroyed.
type SessionUpdate struct {
	Next      *session.Snapshot
	DestroyID string
}

// ApplyResult is the landed form of a ferried update, mirroring a
// commit: either a new snapshot plus its cookie, or a cookie clear.
type ApplyResult struct {
	Snapshot *session.Snapshot
	Cookie   string
	Clear    bool
}

// Bridge moves trust between the HTTP and socket planes. Both
// directions ride the TokenBox: the client ferries opaque sealed
// strings and can neither read nor forge them.
type Bridge struct {
	box      *token.TokenBox
	sessions *session.Manager
}

func newBridge(box *token.TokenBox, sessions *session.Manager) *Bridge {
	return &Bridge{box: box, sessions: sessions}
}

// IssueContextToken seals the HTTP security context for one socket.
// The socket id inside binds the token to a single connection.
func (b *Bridge) IssueContextToken(socketID string, props *security.RequestProperties, snap *session.Snapshot, groups []string) (string, error) {
	claims := contextTokenClaims{
		SocketID: socketID,
		Props:    props,
		Groups:   groups,
	}
	if snap != nil {
		record, err := snap.Encode()
		if err != nil {
			return "", fmt.Errorf("server: encoding session for bridge: %w", err)
		}
		claims.Record = record
	}
	return b.box.SealString(claims, contextTokenType)
}

// OpenContextToken verifies a ferried context token for the receiving
// socket. A token minted for another socket is rejected; accepting it
// would let one page lift another page's trust onto its connection.
func (b *Bridge) OpenContextToken(sealed, socketID string) (*ContextPayload, error) {
	var claims contextTokenClaims
	if err := b.box.OpenString(sealed, contextTokenType, &claims); err != nil {
		return nil, diag.New("W041").Wrap(err)
	}
	if claims.SocketID != socketID {
		return nil, diag.New("W064").
			WithDetailf("token is bound to socket %s", abbreviate(claims.SocketID))
	}
	payload := &ContextPayload{
		SocketID: claims.SocketID,
		Props:    claims.Props,
		Groups:   claims.Groups,
	}
	if len(claims.Record) > 0 {
		snap, err := session.DecodeSnapshot(claims.Record)
		if err != nil {
			return nil, diag.New("W080").Wrap(err)
		}
		payload.Session = snap
	}
	return payload, nil
}

// IssueUpdateToken seals a change a socket call produced but has no
// authority to store. The client ferries it to the HTTP plane.
func (b *Bridge) IssueUpdateToken(up SessionUpdate) (string, error) {
	claims := updateTokenClaims{Destroy: up.DestroyID}
	if up.Next != nil {
		record, err := up.Next.Encode()
		if err != nil {
			return "", fmt.Errorf("server: encoding session update: %w", err)
		}
		claims.Record = record
	}
	return b.box.SealString(claims, updateTokenType)
}

// ApplyUpdateToken lands a ferried update on the authoritative store.
// A carried snapshot must continue the stored record by exactly one
// version; the returned cookie carries the new claims to the browser.
func (b *Bridge) ApplyUpdateToken(ctx context.Context, sealed string) (ApplyResult, error) {
	var claims updateTokenClaims
	if err := b.box.OpenString(sealed, updateTokenType, &claims); err != nil {
		return ApplyResult{}, diag.New("W041").Wrap(err)
	}
	if claims.Destroy != "" {
		if err := b.sessions.Destroy(ctx, claims.Destroy); err != nil {
			return ApplyResult{}, err
		}
	}
	if len(claims.Record) == 0 {
		if claims.Destroy == "" {
			return ApplyResult{}, diag.New("W041").WithDetail("update token carries neither a record nor a destroy")
		}
		return ApplyResult{Clear: true}, nil
	}
	snap, err := session.DecodeSnapshot(claims.Record)
	if err != nil {
		return ApplyResult{}, diag.New("W080").Wrap(err)
	}
	if err := b.sessions.ApplyFerried(ctx, snap); err != nil {
		return ApplyResult{}, err
	}
	cookie, err := b.sessions.SealCookie(snap)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Snapshot: snap, Cookie: cookie}, nil
}

func abbreviate(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
