/*Package config parses the bridge's command-line flags and an optional
YAML overlay, the same two-layer setup cmd/multiserver's
setupconfig/mkconf build with koanf: a struct of defaults loaded first,
then an optional file merged on top. CLI flags here always take final
precedence over the file, since they express the operator's intent for
this run.

Flag parsing itself is hand-rolled, mirroring cmd/multiserver's own
os.Args-based dispatch: no CLI framework is introduced here.
*/
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "github.com/go-yaml/yaml"

	"github.com/dronebridge/dbusbbridge/endpoint"
)

// DefaultConfigFileName is the optional YAML overlay file looked up in the
// process's current working directory.
const DefaultConfigFileName = "dbusbbridge.yml"

// ErrUsageRequested is returned by Load when -? was given; the caller
// should print Usage and exit 0, not treat this as a failure.
var ErrUsageRequested = fmt.Errorf("usage requested")

// Device holds the accessory identification used to recognize and open
// the tethered device in its pre-accessory-mode state.
type Device struct {
	VID uint16 `koanf:"vid"`
	PID uint16 `koanf:"pid"`
}

// DefaultDevice is used when the YAML overlay does not supply one.
var DefaultDevice = Device{VID: 0x0000, PID: 0x0000}

// Config is the fully resolved set of settings driving one run of the
// bridge: which local endpoints are active (from CLI flags), and where
// each one listens/connects plus the target device identity (from
// defaults, optionally overridden by the YAML file).
type Config struct {
	Video  bool `koanf:"-"`
	Comm   bool `koanf:"-"`
	Proxy  bool `koanf:"-"`
	Status bool `koanf:"-"`

	Device Device `koanf:"device"`

	VideoSocketPath string `koanf:"video_socket_path"`
	ProxyAddr       string `koanf:"proxy_addr"`
	StatusAddr      string `koanf:"status_addr"`
	CommAddr        string `koanf:"comm_addr"`
	DiagAddr        string `koanf:"diag_addr"`
}

func defaults() Config {
	return Config{
		Device:          DefaultDevice,
		VideoSocketPath: endpoint.DefaultVideoSocketPath,
		ProxyAddr:       fmt.Sprintf("127.0.0.1:%d", endpoint.DefaultPortProxy),
		StatusAddr:      fmt.Sprintf("127.0.0.1:%d", endpoint.DefaultPortStatus),
		CommAddr:        fmt.Sprintf("127.0.0.1:%d", endpoint.DefaultPortComm),
		DiagAddr:        "127.0.0.1:8088",
	}
}

// Usage is the text printed for -? or an unrecognized flag.
const Usage = `dbusbbridge [-v Y] [-c Y] [-p Y] [-s Y] [-?]

  -v Y  enable the video endpoint
  -c Y  enable the comm endpoint
  -p Y  enable the proxy endpoint
  -s Y  enable the status endpoint
  -?    print this message

Any value other than exactly "Y" leaves the corresponding endpoint off.
An optional dbusbbridge.yml in the working directory overrides device and
endpoint addresses; CLI flags above always take precedence over it.`

// Load resolves a full Config: defaults, overridden by configFile if
// present (silently skipped if missing), with args then applied on top
// to pick which endpoints are active.
func Load(args []string, configFile string) (Config, error) {
	k := koanf.New(".")
	cfg := defaults()
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, fmt.Errorf("config: loading %s: %w", configFile, err)
		}
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}

	if err := applyFlags(&cfg, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFlags parses the four boolean endpoint flags and -?, matching the
// source's *optarg == 'Y' check: any value other than exactly "Y" is
// off, and an unrecognized flag is a hard error.
func applyFlags(cfg *Config, args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-?":
			return ErrUsageRequested
		case "-v", "-c", "-p", "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("config: flag %s requires an argument", arg)
			}
			on := args[i+1] == "Y"
			i++
			switch arg {
			case "-v":
				cfg.Video = on
			case "-c":
				cfg.Comm = on
			case "-p":
				cfg.Proxy = on
			case "-s":
				cfg.Status = on
			}
		default:
			return fmt.Errorf("config: unknown flag %q", arg)
		}
	}
	return nil
}

// LoadFromOSArgs is a convenience wrapper over Load using os.Args[1:]
// and DefaultConfigFileName.
func LoadFromOSArgs() (Config, error) {
	return Load(os.Args[1:], DefaultConfigFileName)
}

// Save writes the device and endpoint-address portion of cfg to path as
// YAML, the same way cmd/multiserver's mkconf seeds a starting config
// file for an operator to edit. The per-run enable flags are not
// written out; they are always supplied fresh on the command line.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// Encode through the koanf tags Load reads back; the enable flags are
	// tagged "-" and so are left out.
	m, err := structs.Provider(cfg, "koanf").Read()
	if err != nil {
		return err
	}
	return yml.NewEncoder(f).Encode(m)
}
