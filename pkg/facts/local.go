package facts

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/rval"
)

// Local discovers facts about the machine the agent runs on.
type Local struct {
	logger zerolog.Logger

	// Root prefixes /etc and /proc paths. Empty means "/".
	Root string

	// WorkDir and InputDir are published as sys.workdir and sys.inputdir.
	WorkDir  string
	InputDir string

	// Version is published as sys.cf_version.
	Version string

	now func() time.Time
}

// NewLocal creates a local fact provider.
func NewLocal(logger zerolog.Logger, workDir, inputDir, version string) *Local {
	return &Local{
		logger:   logger.With().Str("component", "facts").Logger(),
		WorkDir:  workDir,
		InputDir: inputDir,
		Version:  version,
		now:      time.Now,
	}
}

func (l *Local) path(p string) string {
	if l.Root == "" {
		return p
	}
	return filepath.Join(l.Root, p)
}

// Discover collects OS, kernel, host, CPU, memory, network and time facts.
// Collectors that fail are logged and skipped.
func (l *Local) Discover(ctx context.Context) (*Facts, error) {
	start := l.now()
	f := New()
	f.CollectedAt = start
	f.AddClass("any")

	l.collectKernel(f)
	l.collectOS(f)
	l.collectHost(f)
	l.collectCPU(f)
	l.collectMemory(f)
	l.collectNetwork(f)
	l.collectPackageManager(ctx, f)

	for _, c := range timeClasses(start) {
		f.AddClass(c)
	}
	f.SetString("date", start.Format(time.RFC3339))
	f.SetString("cdate", canonJoin(start.Format("Mon_Jan_02_15_04_05_2006")))
	f.SetString("systime", strconv.FormatInt(start.Unix(), 10))

	f.SetString("workdir", l.WorkDir)
	f.SetString("inputdir", l.InputDir)
	if l.WorkDir != "" {
		f.SetString("statedir", filepath.Join(l.WorkDir, "state"))
		f.SetString("moduledir", filepath.Join(l.WorkDir, "modules"))
	}
	f.SetString("cf_version", l.Version)

	l.logger.Debug().
		Int("classes", len(f.Classes)).
		Int("vars", len(f.Vars)).
		Dur("duration", l.now().Sub(start)).
		Msg("Facts discovery completed")

	return f, nil
}

func (l *Local) collectKernel(f *Facts) {
	u, err := uname()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to read uname, using runtime values")
		u = unameInfo{sysname: runtime.GOOS, machine: runtime.GOARCH}
	}

	sysname := strings.ToLower(u.sysname)
	f.SetString("os", sysname)
	f.SetString("arch", u.machine)
	f.SetString("release", u.release)
	f.SetString("version", u.version)
	f.SetString("ostype", canonJoin(sysname, u.machine))

	f.AddClass(sysname)
	f.AddClass(u.machine)
	f.AddClass(canonJoin(sysname, u.machine))
	if u.release != "" {
		f.AddClass(canonJoin(sysname, u.release))
	}
	if strings.Contains(u.machine, "64") {
		f.AddClass("64_bit")
	} else if u.machine != "" {
		f.AddClass("32_bit")
	}
}

// collectOS reads /etc/os-release.
func (l *Local) collectOS(f *Facts) {
	file, err := os.Open(l.path("/etc/os-release"))
	if err != nil {
		l.logger.Debug().Err(err).Msg("No os-release file")
		return
	}
	defer file.Close()

	release := rval.Object()
	fields := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		fields[key] = value
		release.Set(key, rval.String(value))
	}
	f.SetVar("os_release", rval.Container(release))

	id := fields["ID"]
	version := fields["VERSION_ID"]
	if id == "" {
		return
	}
	f.AddClass(id)
	if version != "" {
		major, _, _ := strings.Cut(version, ".")
		f.AddClass(canonJoin(id, major))
		f.AddClass(canonJoin(id, version))
		f.SetString("flavor", canonJoin(id, major))
	}
	for _, like := range strings.Fields(fields["ID_LIKE"]) {
		f.AddClass(like)
	}
	f.SetString("os_name", fields["NAME"])
	f.SetString("os_version", version)
}

func (l *Local) collectHost(f *Facts) {
	host, err := os.Hostname()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to read hostname")
		return
	}
	uq, domain, _ := strings.Cut(host, ".")
	f.SetString("fqhost", host)
	f.SetString("uqhost", uq)
	f.SetString("host", uq)
	f.SetString("domain", domain)
	f.AddClass(uq)
	if domain != "" {
		f.AddClass(host)
		f.AddClass(domain)
	}
}

// collectCPU counts processors in /proc/cpuinfo, falling back to the Go
// runtime.
func (l *Local) collectCPU(f *Facts) {
	count := 0
	if file, err := os.Open(l.path("/proc/cpuinfo")); err == nil {
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "processor"):
				count++
			case strings.HasPrefix(line, "model name"):
				if _, model, ok := strings.Cut(line, ":"); ok {
					f.SetString("cpu_model", strings.TrimSpace(model))
				}
			}
		}
		file.Close()
	}
	if count == 0 {
		count = runtime.NumCPU()
	}
	f.SetString("cpus", strconv.Itoa(count))
	f.AddClass(strconv.Itoa(count) + "_cpus")
}

// collectMemory reads /proc/meminfo.
func (l *Local) collectMemory(f *Facts) {
	file, err := os.Open(l.path("/proc/meminfo"))
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			f.SetString("memory_total_mb", strconv.FormatInt(value/1024, 10))
		case "MemAvailable:":
			f.SetString("memory_available_mb", strconv.FormatInt(value/1024, 10))
		case "SwapTotal:":
			f.SetString("swap_total_mb", strconv.FormatInt(value/1024, 10))
		}
	}
}

// collectNetwork records non-loopback interfaces and their addresses.
func (l *Local) collectNetwork(f *Facts) {
	ifaces, err := net.Interfaces()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to list network interfaces")
		return
	}

	var names, ipv4 []string
	hw := rval.Object()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
		if len(iface.HardwareAddr) > 0 {
			hw.Set(iface.Name, rval.String(iface.HardwareAddr.String()))
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			ip := ipnet.IP.String()
			ipv4 = append(ipv4, ip)
			f.AddClass("ipv4_" + ip)
			f.AddClass("net_iface_" + iface.Name)
		}
	}

	f.SetVar("interfaces", rval.StringList(names))
	f.SetVar("ip_addresses", rval.StringList(ipv4))
	f.SetVar("hardware_mac", rval.Container(hw))
	if len(ipv4) > 0 {
		f.SetString("ipv4", ipv4[0])
	}
}

// packageManagers in detection order.
var packageManagers = []string{"apt-get", "dnf", "yum", "zypper", "apk", "pacman"}

func (l *Local) collectPackageManager(_ context.Context, f *Facts) {
	for _, pm := range packageManagers {
		if _, err := exec.LookPath(pm); err == nil {
			name := strings.TrimSuffix(pm, "-get")
			f.SetString("package_manager", name)
			f.AddClass("pkg_" + name)
			return
		}
	}
}
