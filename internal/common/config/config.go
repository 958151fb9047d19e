package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB       DB
	RMQ      RMQ
	Daemon   Daemon
	HTTP     HTTP
	Tracking Tracking
}

type DB struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

type RMQ struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Daemon points at the positioning daemon and carries the shared secret its
// authorization tokens are signed with.
type Daemon struct {
	Host   string
	Port   int
	Secret string
}

type HTTP struct {
	Port int
}

// Tracking holds the watch cadence knobs. Missing keys fall back to the
// defaults set in Load.
type Tracking struct {
	ForegroundInterval     time.Duration
	ForegroundDisplacement float64
	BackgroundInterval     time.Duration
	BackgroundDisplacement float64
	DeferredWindow         time.Duration
}

func Load(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		lineNo         int
		section        string
		cfg            Config
		seenDB         = make(map[string]bool)
		seenRMQ        = make(map[string]bool)
		seenDaemon     = make(map[string]bool)
		seenHTTP       = make(map[string]bool)
		seenTracking   = make(map[string]bool)
		requiredDB     = []string{"host", "port", "user", "password", "database"}
		requiredRMQ    = []string{"host", "port", "user", "password"}
		requiredDaemon = []string{"host", "port", "secret"}
		requiredHTTP   = []string{"port"}
	)

	// tracking cadence defaults
	cfg.Tracking = Tracking{
		ForegroundInterval:     10 * time.Second,
		ForegroundDisplacement: 10,
		BackgroundInterval:     30 * time.Second,
		BackgroundDisplacement: 50,
		DeferredWindow:         60 * time.Second,
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
			sec := strings.TrimSuffix(line, ":")
			switch sec {
			case "database", "rabbitmq", "daemon", "http", "tracking":
				section = sec
			default:
				return nil, fmt.Errorf("line %d: unknown section %s", lineNo, sec)
			}
			continue
		}

		if section == "" {
			return nil, fmt.Errorf("line %d: key outside of any section", lineNo)
		}

		k, v, ok := splitKV(line)
		if !ok {
			return nil, fmt.Errorf("line %d: expected 'key: value'", lineNo)
		}

		v = trimQuotes(v)
		switch section {
		case "database":
			if seenDB[k] {
				return nil, fmt.Errorf("line %d: duplicate key %q in [database]", lineNo, k)
			}
			seenDB[k] = true
			switch k {
			case "host":
				cfg.DB.Host = v
			case "port":
				p, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("line %d: database.port must be int: %w", lineNo, err)
				}
				cfg.DB.Port = p
			case "user":
				cfg.DB.User = v
			case "password":
				cfg.DB.Password = v
			case "database":
				cfg.DB.Name = v
			default:
				return nil, fmt.Errorf("line %d: unknown field for [database]: %q", lineNo, k)
			}

		case "rabbitmq":
			if seenRMQ[k] {
				return nil, fmt.Errorf("line %d: duplicate key %q in [rabbitmq]", lineNo, k)
			}
			seenRMQ[k] = true
			switch k {
			case "host":
				cfg.RMQ.Host = v
			case "port":
				p, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("line %d: rabbitmq.port must be int: %w", lineNo, err)
				}
				cfg.RMQ.Port = p
			case "user":
				cfg.RMQ.User = v
			case "password":
				cfg.RMQ.Password = v
			default:
				return nil, fmt.Errorf("line %d: unknown field for [rabbitmq]: %q", lineNo, k)
			}

		case "daemon":
			if seenDaemon[k] {
				return nil, fmt.Errorf("line %d: duplicate key %q in [daemon]", lineNo, k)
			}
			seenDaemon[k] = true
			switch k {
			case "host":
				cfg.Daemon.Host = v
			case "port":
				p, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("line %d: daemon.port must be int: %w", lineNo, err)
				}
				cfg.Daemon.Port = p
			case "secret":
				cfg.Daemon.Secret = v
			default:
				return nil, fmt.Errorf("line %d: unknown field for [daemon]: %q", lineNo, k)
			}

		case "http":
			if seenHTTP[k] {
				return nil, fmt.Errorf("line %d: duplicate key %q in [http]", lineNo, k)
			}
			seenHTTP[k] = true
			switch k {
			case "port":
				p, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("line %d: http.port must be int: %w", lineNo, err)
				}
				cfg.HTTP.Port = p
			default:
				return nil, fmt.Errorf("line %d: unknown field for [http]: %q", lineNo, k)
			}

		case "tracking":
			if seenTracking[k] {
				return nil, fmt.Errorf("line %d: duplicate key %q in [tracking]", lineNo, k)
			}
			seenTracking[k] = true
			switch k {
			case "foreground_interval_seconds":
				s, err := strconv.Atoi(v)
				if err != nil || s <= 0 {
					return nil, fmt.Errorf("line %d: tracking.foreground_interval_seconds must be a positive int", lineNo)
				}
				cfg.Tracking.ForegroundInterval = time.Duration(s) * time.Second
			case "foreground_displacement_meters":
				m, err := strconv.ParseFloat(v, 64)
				if err != nil || m < 0 {
					return nil, fmt.Errorf("line %d: tracking.foreground_displacement_meters must be a non-negative number", lineNo)
				}
				cfg.Tracking.ForegroundDisplacement = m
			case "background_interval_seconds":
				s, err := strconv.Atoi(v)
				if err != nil || s <= 0 {
					return nil, fmt.Errorf("line %d: tracking.background_interval_seconds must be a positive int", lineNo)
				}
				cfg.Tracking.BackgroundInterval = time.Duration(s) * time.Second
			case "background_displacement_meters":
				m, err := strconv.ParseFloat(v, 64)
				if err != nil || m < 0 {
					return nil, fmt.Errorf("line %d: tracking.background_displacement_meters must be a non-negative number", lineNo)
				}
				cfg.Tracking.BackgroundDisplacement = m
			case "deferred_window_seconds":
				s, err := strconv.Atoi(v)
				if err != nil || s < 0 {
					return nil, fmt.Errorf("line %d: tracking.deferred_window_seconds must be a non-negative int", lineNo)
				}
				cfg.Tracking.DeferredWindow = time.Duration(s) * time.Second
			default:
				return nil, fmt.Errorf("line %d: unknown field for [tracking]: %q", lineNo, k)
			}
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}

	if err := ensureRequired(seenDB, requiredDB, "database"); err != nil {
		return nil, err
	}
	if err := ensureRequired(seenRMQ, requiredRMQ, "rabbitmq"); err != nil {
		return nil, err
	}
	if err := ensureRequired(seenDaemon, requiredDaemon, "daemon"); err != nil {
		return nil, err
	}
	if err := ensureRequired(seenHTTP, requiredHTTP, "http"); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func splitKV(line string) (key, val string, ok bool) {
	i := strings.IndexRune(line, ':')
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	val = strings.TrimSpace(line[i+1:])
	if key == "" || val == "" {
		return "", "", false
	}
	return key, val, true
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') ||
			(s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func ensureRequired(seen map[string]bool, required []string, section string) error {
	var missing []string
	for _, k := range required {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required keys in [" + section + "]: " + strings.Join(missing, ", "))
	}
	return nil
}
