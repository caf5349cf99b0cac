package desired

import (
	"fmt"
	"strings"
)

// DockerRun is the subset of a `docker run` invocation the orchestrator honours
type DockerRun struct {
	Image string
	Env   map[string]string
	Args  []string // arguments after the image; not forwarded to the container
}

// flags of docker run that consume the following argument
var valueFlags = map[string]bool{
	"-e": true, "--env": true, "--env-file": true,
	"-p": true, "--publish": true,
	"-v": true, "--volume": true,
	"--name": true, "--network": true, "--net": true,
	"-w": true, "--workdir": true,
	"-u": true, "--user": true,
	"-l": true, "--label": true,
	"--entrypoint": true, "--restart": true,
	"-m": true, "--memory": true, "--cpus": true,
	"--mount": true, "-h": true, "--hostname": true,
}

// ParseDockerArgs extracts image and environment from a docker run argument
// list such as [run, -i, --rm, -e, TOKEN, ghcr.io/org/server:1.0].
func ParseDockerArgs(args []string) (*DockerRun, error) {
	runAt := -1
	for i, a := range args {
		if a == "run" {
			runAt = i
			break
		}
	}
	if runAt < 0 {
		return nil, fmt.Errorf("docker args must contain 'run'")
	}

	run := &DockerRun{Env: make(map[string]string)}
	for i := runAt + 1; i < len(args); i++ {
		a := args[i]

		if !strings.HasPrefix(a, "-") {
			run.Image = a
			run.Args = append([]string(nil), args[i+1:]...)
			return run, nil
		}

		name, inline, hasInline := strings.Cut(a, "=")
		if name == "-e" || name == "--env" {
			val := inline
			if !hasInline {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("%s requires a value", name)
				}
				i++
				val = args[i]
			}
			k, v := splitEnv(val)
			run.Env[k] = v
			continue
		}

		if valueFlags[name] && !hasInline {
			i++
		}
	}

	return nil, fmt.Errorf("could not find image in docker args")
}
