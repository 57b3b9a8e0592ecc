package config

import "sort"

// Kind separates values that may travel as plain environment variables
// from values that must only travel through a secret store.
type Kind int

const (
	KindPlain Kind = iota
	KindSecret
)

func (k Kind) String() string {
	if k == KindSecret {
		return "secret"
	}
	return "plain"
}

// Group names. Members of an optional group are all-or-none.
const (
	GroupServer       = "server"
	GroupCore         = "core"
	GroupAuth         = "auth"
	GroupDatabase     = "database"
	GroupNotification = "notification"
	GroupFinnhub      = "finnhub"
	GroupTD           = "td"
	GroupAlpaca       = "alpaca"
)

// Var is one entry of the environment contract.
type Var struct {
	Name        string
	Kind        Kind
	Group       string
	Required    bool
	Default     string
	Description string
}

var optionalGroups = map[string]bool{
	GroupFinnhub: true,
	GroupTD:      true,
	GroupAlpaca:  true,
}

var catalog = []Var{
	{Name: "GRYFFEN_HOST", Group: GroupServer, Default: "127.0.0.1", Description: "listen address"},
	{Name: "GRYFFEN_PORT", Group: GroupServer, Default: "8000", Description: "listen port"},
	{Name: "GRYFFEN_ENVIRONMENT", Group: GroupServer, Default: "dev", Description: "dev, staging or production"},
	{Name: "GRYFFEN_RELOAD", Group: GroupServer, Default: "false", Description: "dev auto-reload toggle"},
	{Name: "GRYFFEN_LOG_LEVEL", Group: GroupServer, Default: "INFO", Description: "NOTSET, DEBUG, INFO, WARNING, ERROR or FATAL"},
	{Name: "GRYFFEN_LOG_FORMAT", Group: GroupServer, Default: "json", Description: "json or text"},
	{Name: "GRYFFEN_LOG_FILE", Group: GroupServer, Description: "rotate logs into this file instead of stdout"},
	{Name: "GRYFFEN_CORS_ORIGINS", Group: GroupServer, Description: "extra comma separated CORS origins"},
	{Name: "GRYFFEN_RATE_LIMIT", Group: GroupServer, Default: "0", Description: "requests per second per client, 0 disables"},
	{Name: "GRYFFEN_RATE_BURST", Group: GroupServer, Default: "20", Description: "rate limiter burst"},
	{Name: "GRYFFEN_SHUTDOWN_TIMEOUT", Group: GroupServer, Default: "10s", Description: "graceful shutdown budget"},

	{Name: "GRYFFEN_SECRET_KEY", Kind: KindSecret, Group: GroupCore, Required: true, Description: "root secret for derived signing and encryption keys"},
	{Name: "HASH_ITERATION", Group: GroupCore, Required: true, Description: "PBKDF2 rounds"},
	{Name: "NUM_BENCHMARK", Group: GroupCore, Required: true, Description: "fixed-point scaling factor"},
	{Name: "UNIX_TIMESTAMP_NEVER_EXPIRE", Group: GroupCore, Required: true, Description: "sentinel epoch meaning no expiry"},

	{Name: "ACCESS_TOKEN_HASH_ALGO", Group: GroupAuth, Required: true, Description: "HMAC JWT algorithm"},
	{Name: "ACCESS_TOKEN_EXPIRE_MINUTES", Group: GroupAuth, Required: true, Description: "access token lifetime"},
	{Name: "OAUTH_TOKEN_EXPIRE_MINUTES", Group: GroupAuth, Required: true, Description: "oauth token lifetime"},

	{Name: "DB_HOST", Group: GroupDatabase, Required: true},
	{Name: "DB_PORT", Group: GroupDatabase, Required: true},
	{Name: "DB_USER", Group: GroupDatabase, Required: true},
	{Name: "DB_PASS", Kind: KindSecret, Group: GroupDatabase, Required: true},
	{Name: "DB_NAME", Group: GroupDatabase, Required: true},

	{Name: "FRONT_END_BASE_URL", Group: GroupNotification, Required: true, Description: "base of activation links and a CORS origin"},
	{Name: "EMAIL_FROM", Group: GroupNotification, Description: "sender address of outgoing mail"},
	{Name: "SERVICE_ACCOUNT_JSON", Kind: KindSecret, Group: GroupNotification, Description: "delegated mail credential, deploy-time only"},
	{Name: "SERVICE_ACCOUNT_KEY", Kind: KindSecret, Group: GroupNotification, Description: "delegated cloud credential, deploy-time only"},

	{Name: "FINNHUB_API_KEY", Kind: KindSecret, Group: GroupFinnhub},
	{Name: "FINNHUB_WEBSOCKET_URI", Group: GroupFinnhub},

	{Name: "TD_API_CONSUMER_KEY", Kind: KindSecret, Group: GroupTD},
	{Name: "TD_API_AUTH_URL", Group: GroupTD},
	{Name: "TD_API_BASE_URL", Group: GroupTD},
	{Name: "TD_API_ORDERS_URL", Group: GroupTD},
	{Name: "TD_API_REDIRECT_URL", Group: GroupTD},

	{Name: "ALPACA_API_KEY", Kind: KindSecret, Group: GroupAlpaca},
	{Name: "ALPACA_API_SECRET", Kind: KindSecret, Group: GroupAlpaca},
	{Name: "ALPACA_BASE_URL", Group: GroupAlpaca},
}

var catalogIndex = func() map[string]Var {
	idx := make(map[string]Var, len(catalog))
	for _, v := range catalog {
		idx[v.Name] = v
	}
	return idx
}()

// Catalog returns a copy of every variable the process consumes.
func Catalog() []Var {
	out := make([]Var, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Var, bool) {
	v, ok := catalogIndex[name]
	return v, ok
}

// IsOptionalGroup reports whether group members are all-or-none.
func IsOptionalGroup(group string) bool {
	return optionalGroups[group]
}

// GroupMembers returns the variable names of group in catalog order.
func GroupMembers(group string) []string {
	var names []string
	for _, v := range catalog {
		if v.Group == group {
			names = append(names, v.Name)
		}
	}
	return names
}

// Names returns catalog names of the given kind, sorted.
func Names(kind Kind) []string {
	var names []string
	for _, v := range catalog {
		if v.Kind == kind {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names
}
