package catalog

import (
	"errors"
	"fmt"
	"os/exec"
)

// Profiler identifies one of the supported external profiling tools.
type Profiler string

const (
	Nsys      Profiler = "nsys"
	Ncu       Profiler = "ncu"
	Nvprof    Profiler = "nvprof"
	Rocprof   Profiler = "rocprof"
	Rocprofv2 Profiler = "rocprofv2"
)

var (
	ErrUnsupportedProfiler = errors.New("unsupported profiler")
	ErrExecutableNotFound  = errors.New("profiler executable not found")
	ErrUnsafeArgument      = errors.New("shell operator not allowed in arguments")
)

// executables maps each supported profiler to the binary looked up on PATH.
var executables = map[Profiler]string{
	Nsys:      "nsys",
	Ncu:       "ncu",
	Nvprof:    "nvprof",
	Rocprof:   "rocprof",
	Rocprofv2: "rocprofv2",
}

// shellOperators are tokens that would let a target command escape
// direct-exec semantics. They are rejected outright, never stripped.
var shellOperators = map[string]struct{}{
	"|": {}, "||": {}, "&&": {}, ";": {}, ">": {}, ">>": {}, "<": {},
}

// Supported lists the profiler ids in the catalog.
func Supported() []Profiler {
	return []Profiler{Nsys, Ncu, Nvprof, Rocprof, Rocprofv2}
}

// Resolve validates p and locates its executable on the search path.
func Resolve(p Profiler) (string, error) {
	name, ok := executables[p]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProfiler, p)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	return path, nil
}

// ValidateArgs rejects any token that is a shell control operator.
func ValidateArgs(args []string) error {
	for _, a := range args {
		if _, bad := shellOperators[a]; bad {
			return fmt.Errorf("%w: %q", ErrUnsafeArgument, a)
		}
	}
	return nil
}

// CommandPrefix builds the profiler-specific invocation that precedes the
// target command. exe is the resolved executable path, outputBase the
// extensionless artifact base inside the run directory, extra any additional
// validated profiler arguments.
func CommandPrefix(p Profiler, exe, outputBase string, extra []string) []string {
	var argv []string
	switch p {
	case Nsys:
		argv = []string{exe, "profile", "--trace=cuda,nvtx", "-o", outputBase}
	case Ncu:
		argv = []string{exe, "-o", outputBase}
	case Nvprof:
		argv = []string{exe, "-o", outputBase + ".nvprof"}
	case Rocprof:
		argv = []string{exe, "--hip-trace", "--hsa-trace", "-o", outputBase + ".csv"}
	case Rocprofv2:
		argv = []string{exe, "--hip-trace", "-d", outputBase}
	}
	return append(argv, extra...)
}

// OutputPath returns where p is expected to leave its artifact for the given
// base. This is a convention-derived hint, not a guarantee: tools append
// their own suffixes or, for rocprofv2, write a whole directory.
func OutputPath(p Profiler, outputBase string) string {
	switch p {
	case Nsys:
		return outputBase + ".nsys-rep"
	case Ncu:
		return outputBase + ".ncu-rep"
	case Nvprof:
		return outputBase + ".nvprof"
	case Rocprof:
		return outputBase + ".csv"
	default:
		return outputBase
	}
}
