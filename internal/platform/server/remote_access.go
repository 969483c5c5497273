package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
)

type RemoteAccessActivity struct {
	Timestamp       string
	SourceIP        string
	SourcePort      string
	Destination     string
	DestinationPort string
	Path            string
	Method          string
	Allowed         bool
	Reason          string
}

// RemoteAccessGuard admits administrative requests only from trusted networks and
// audits each decision.
type RemoteAccessGuard struct {
	Clock      clock.Clock
	AuditStore audit.Store

	trusted []*net.IPNet
	log     *zap.Logger
	mu      sync.Mutex
	logs    []RemoteAccessActivity
}

func NewRemoteAccessGuard(clk clock.Clock, store audit.Store, cidrs []string, log *zap.Logger) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{Clock: clk, AuditStore: store, trusted: trusted, log: logging.OrNop(log)}, nil
}

func (g *RemoteAccessGuard) now() time.Time {
	return clock.NowOr(g.Clock)
}

// isAdminPath covers the admin surface plus withdrawal reviews.
func (g *RemoteAccessGuard) isAdminPath(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/v1/admin") || strings.HasPrefix(r.URL.Path, "/v1/internal") {
		return true
	}
	return r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/withdrawals/")
}

func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		return ip, ""
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host, port
	}
	return strings.TrimSpace(r.RemoteAddr), ""
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) appendAudit(r *http.Request, sourceIP string, allowed bool, reason string) {
	if g.AuditStore == nil {
		return
	}
	res := audit.ResultSuccess
	if !allowed {
		res = audit.ResultDenied
	}
	if _, err := g.AuditStore.Append(r.Context(), audit.Event{
		RecordedAt: g.now(),
		ActorID:    sourceIP,
		ActorRole:  "remote",
		ObjectType: "remote_access",
		ObjectID:   r.Method + " " + r.URL.Path,
		Action:     audit.ActionRemoteAdminAccess,
		Result:     res,
		Reason:     reason,
	}); err != nil {
		g.log.Error("audit append failed", zap.Error(err))
	}
}

func (g *RemoteAccessGuard) logActivity(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		port = ""
	}
	entry := RemoteAccessActivity{
		Timestamp:       g.now().Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	}
	g.mu.Lock()
	g.logs = append(g.logs, entry)
	g.mu.Unlock()
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.isAdminPath(r) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			const reason = "source ip outside trusted network"
			g.logActivity(r, sourceIP, sourcePort, false, reason)
			g.appendAudit(r, sourceIP, false, reason)
			g.log.Warn("remote admin access denied", zap.String("source_ip", sourceIP), zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusForbidden, errorResponse{Error: errorBody{Kind: "permission", Message: "remote access denied"}})
			return
		}

		g.logActivity(r, sourceIP, sourcePort, true, "")
		g.appendAudit(r, sourceIP, true, "")
		next.ServeHTTP(w, r)
	})
}
