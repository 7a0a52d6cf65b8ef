// Package server wires together the control listener, relay listener, and
// HTTP stats/metrics surface into a single runnable process, configured from
// the environment the way the teacher's atlas server is.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UIDGID is a parsed "user:group" env value.
type UIDGID [2]int

// Config holds the relay server's configuration. The env tag contains the
// environment variable name and the default value if missing, or empty (if
// not ?=). String arrays are comma-separated.
type Config struct {
	// The address the control protocol (registration, offer/ask signaling)
	// listens on.
	ControlAddr string `env:"RELAYD_CONTROL_ADDR?=:9000"`

	// The address the relay rendezvous/bridge port listens on.
	RelayAddr string `env:"RELAYD_RELAY_ADDR?=:9001"`

	// The addresses the stats/metrics HTTP surface listens on.
	Addr []string `env:"RELAYD_ADDR?=:8080"`

	// The addresses to listen on with TLS for the HTTP surface.
	AddrTLS []string `env:"RELAYD_ADDR_HTTPS"`

	// Paths to SSL server certificates (the .crt and .key extensions are
	// appended automatically). Required: the control listener always
	// requires TLS, and these also serve the HTTP surface when AddrTLS is
	// set.
	ServerCerts []string `env:"RELAYD_SERVER_CERTS"`

	// Comma-separated etcd endpoints backing the device directory. If
	// empty, an in-memory store is used instead (single-process only,
	// never for production use).
	EtcdEndpoints []string `env:"RELAYD_ETCD_ENDPOINTS"`

	// Timeout for the initial etcd dial.
	EtcdDialTimeout time.Duration `env:"RELAYD_ETCD_DIAL_TIMEOUT=5s"`

	// Secret token required as a ?secret= query parameter to access
	// internal metrics. If it begins with @, it is treated as the name of
	// a systemd credential to load.
	MetricsSecret string `env:"RELAYD_METRICS_SECRET" sdcreds:"load,trimspace"`

	// The minimum log level (trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"RELAYD_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"RELAYD_LOG_STDOUT=true"`

	// Whether to use pretty (console) logs on stdout.
	LogStdoutPretty bool `env:"RELAYD_LOG_STDOUT_PRETTY"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"RELAYD_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"RELAYD_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"RELAYD_LOG_FILE_LEVEL=info"`

	// The permissions for the log file.
	LogFileChmod fs.FileMode `env:"RELAYD_LOG_FILE_CHMOD"`

	// The owner for the log file. Not supported on Windows.
	LogFileChown *UIDGID `env:"RELAYD_LOG_FILE_CHOWN"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variables into
// c, setting default values as appropriate. If incremental is true, default
// values are not set for vars missing from es, only for ones present but
// empty.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "RELAYD_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			v, err := sdcreds(v, ctf.Tag.Get("sdcreds"))
			if err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", key, err)
			}
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case fs.FileMode:
			if val == "" {
				cvf.Set(reflect.ValueOf(fs.FileMode(0)))
			} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
				cvf.Set(reflect.ValueOf(fs.FileMode(v)))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case *UIDGID:
			if val == "" {
				cvf.Set(reflect.ValueOf((*UIDGID)(nil)))
			} else if v, err := parseUIDGID(val); err == nil {
				cvf.Set(reflect.ValueOf(&v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

func parseUIDGID(s string) (UIDGID, error) {
	var u UIDGID

	if runtime.GOOS == "windows" {
		return u, fmt.Errorf("not supported on windows")
	}
	if s == "" {
		return u, fmt.Errorf("must not be empty")
	}

	su, sg, hg := strings.Cut(s, ":")

	if su == "" || sg == "" {
		if x, err := user.Current(); err != nil {
			return u, fmt.Errorf("get current user: %w", err)
		} else if uid, err := strconv.ParseInt(x.Uid, 10, 64); err != nil {
			return u, fmt.Errorf("get current user: parse uid %q: %w", x.Uid, err)
		} else if gid, err := strconv.ParseInt(x.Gid, 10, 64); err != nil {
			return u, fmt.Errorf("get current user: parse gid %q: %w", x.Gid, err)
		} else {
			u = UIDGID{int(uid), int(gid)}
		}
	}
	if su != "" {
		if uid, err := strconv.ParseInt(su, 10, 64); err == nil {
			u[0] = int(uid)
		} else if x, err := user.Lookup(su); err != nil {
			return u, fmt.Errorf("get user: %w", err)
		} else if uid, err := strconv.ParseInt(x.Uid, 10, 64); err != nil {
			return u, fmt.Errorf("get user: parse uid %q: %w", x.Uid, err)
		} else {
			if !hg && sg == "" && x.Gid != "" {
				if gid, err := strconv.ParseInt(x.Gid, 10, 64); err != nil {
					return u, fmt.Errorf("get user: parse gid %q: %w", x.Gid, err)
				} else {
					u[1] = int(gid)
				}
			}
			u[0] = int(uid)
		}
	}
	if sg != "" {
		if gid, err := strconv.ParseInt(sg, 10, 64); err == nil {
			u[1] = int(gid)
		} else if x, err := user.LookupGroup(sg); err != nil {
			return u, fmt.Errorf("lookup group: %w", err)
		} else if gid, err := strconv.ParseInt(x.Gid, 10, 64); err != nil {
			return u, fmt.Errorf("lookup group: parse gid %q: %w", x.Gid, err)
		} else {
			u[1] = int(gid)
		}
	}
	return u, nil
}

// sdcreds expands systemd credentials in v (prefixed by "@") according to
// tag, which consists of a mode ("load") followed by optional flags.
func sdcreds(v string, tag string) (string, error) {
	if tag == "" {
		return v, nil
	}

	mode, args, _ := strings.Cut(tag, ",")
	if mode != "load" {
		return "", fmt.Errorf("invalid struct tag %q", tag)
	}
	var trimspace bool
	for _, arg := range strings.Split(args, ",") {
		switch arg {
		case "trimspace":
			trimspace = true
		case "":
		default:
			return "", fmt.Errorf("invalid struct tag %q arg %q", tag, arg)
		}
	}

	if len(v) == 0 || v[0] != '@' {
		return v, nil
	}

	crd := os.Getenv("CREDENTIALS_DIRECTORY")
	if crd == "" {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY env var not set", v)
	}
	if !filepath.IsAbs(crd) {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY=%q env var is not an absolute path", v, crd)
	}
	cred := v[1:]
	if strings.Contains(cred, "/") || strings.Contains(cred, string(filepath.Separator)) {
		return "", fmt.Errorf("expand %q: invalid credential name %q", v, cred)
	}
	pt := filepath.Join(crd, cred)
	buf, err := os.ReadFile(pt)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, fmt.Errorf("expand %q: no such credential %q", v, filepath.Base(pt))
		}
		return v, fmt.Errorf("expand %q: read credential %q: %w", v, filepath.Base(pt), err)
	}
	if trimspace {
		buf = bytes.TrimSpace(buf)
	}
	return string(buf), nil
}
