// Package config loads a batect project file into the typed task.Model the
// engine consumes. It is a thin, unvalidated-beyond-shape YAML reader: the
// heavy lifting (dependency graph correctness, health check semantics) is
// the engine's job, not this package's.
//
// Grounded on gopkg.in/yaml.v3, already reachable from the teacher's module
// graph and used directly by cuemby/warren for its own config files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/batect/batect-engine/internal/task"
)

// file is the on-disk shape of a batect.yml project file.
type file struct {
	Containers map[string]containerYAML `yaml:"containers"`
	Tasks      map[string]taskYAML      `yaml:"tasks"`
}

type imageYAML struct {
	Ref        string            `yaml:"image"`
	Build      string            `yaml:"build_directory"`
	Dockerfile string            `yaml:"dockerfile"`
	BuildArgs  map[string]string `yaml:"build_args"`
}

type healthCheckYAML struct {
	Command     []string `yaml:"command"`
	Interval    string   `yaml:"interval"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

type volumeYAML struct {
	Local     string `yaml:"local"`
	Container string `yaml:"container"`
	Options   string `yaml:"options"`
}

type portYAML struct {
	Local     int `yaml:"local"`
	Container int `yaml:"container"`
}

type runAsYAML struct {
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
}

type containerYAML struct {
	imageYAML   `yaml:",inline"`
	Command     []string          `yaml:"command"`
	Environment map[string]string `yaml:"environment"`
	WorkingDir  string            `yaml:"working_directory"`
	Volumes     []volumeYAML      `yaml:"volumes"`
	Ports       []portYAML        `yaml:"ports"`
	HealthCheck healthCheckYAML   `yaml:"health_check"`
	RunAs       *runAsYAML        `yaml:"run_as"`
	DependsOn   []string          `yaml:"dependencies"`
}

type taskYAML struct {
	Run struct {
		Container string `yaml:"container"`
	} `yaml:"run"`
}

func readFile(path string) (file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return file{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return file{}, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return f, nil
}

// ListTasks returns the names of every task declared in the project file at
// path, for `batect --list-tasks`.
func ListTasks(path string) ([]string, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Tasks))
	for name := range f.Tasks {
		names = append(names, name)
	}
	return names, nil
}

// Load reads and parses a batect project file at path, returning the full
// Task Model for the named task.
func Load(path string, taskName string) (task.Model, error) {
	f, err := readFile(path)
	if err != nil {
		return task.Model{}, err
	}

	t, ok := f.Tasks[taskName]
	if !ok {
		return task.Model{}, fmt.Errorf("config file %q defines no task %q", path, taskName)
	}

	containers := make(map[string]task.Container, len(f.Containers))
	for name, c := range f.Containers {
		container, err := toContainer(name, c)
		if err != nil {
			return task.Model{}, err
		}
		containers[name] = container
	}

	return task.Model{
		Task: task.Task{
			Name:          taskName,
			MainContainer: t.Run.Container,
		},
		Containers: containers,
	}, nil
}

func toContainer(name string, c containerYAML) (task.Container, error) {
	src, err := toImageSource(name, c.imageYAML)
	if err != nil {
		return task.Container{}, err
	}

	hc, err := toHealthCheck(name, c.HealthCheck)
	if err != nil {
		return task.Container{}, err
	}

	volumes := make([]task.VolumeMount, 0, len(c.Volumes))
	for _, v := range c.Volumes {
		volumes = append(volumes, task.VolumeMount{
			HostPath:      v.Local,
			ContainerPath: v.Container,
			Options:       v.Options,
		})
	}

	ports := make([]task.PortMapping, 0, len(c.Ports))
	for _, p := range c.Ports {
		ports = append(ports, task.PortMapping{HostPort: p.Local, ContainerPort: p.Container})
	}

	var runAs *task.UserAndGroup
	if c.RunAs != nil {
		runAs = &task.UserAndGroup{UID: c.RunAs.UID, GID: c.RunAs.GID}
	}

	return task.Container{
		Name:        name,
		ImageSource: src,
		Command:     c.Command,
		Environment: c.Environment,
		WorkingDir:  c.WorkingDir,
		Volumes:     volumes,
		Ports:       ports,
		HealthCheck: hc,
		RunAs:       runAs,
		DependsOn:   c.DependsOn,
	}, nil
}

func toImageSource(name string, img imageYAML) (task.ImageSource, error) {
	switch {
	case img.Ref != "" && img.Build != "":
		return task.ImageSource{}, fmt.Errorf("container %q specifies both image and build_directory", name)
	case img.Build != "":
		return task.ImageSource{
			Kind:        task.Build,
			ContextPath: img.Build,
			Dockerfile:  img.Dockerfile,
			BuildArgs:   img.BuildArgs,
		}, nil
	case img.Ref != "":
		return task.ImageSource{Kind: task.Pull, Ref: img.Ref}, nil
	default:
		return task.ImageSource{}, fmt.Errorf("container %q specifies neither image nor build_directory", name)
	}
}

func toHealthCheck(name string, hc healthCheckYAML) (task.HealthCheckConfig, error) {
	interval, err := parseOptionalDuration(hc.Interval)
	if err != nil {
		return task.HealthCheckConfig{}, fmt.Errorf("container %q health_check.interval: %w", name, err)
	}
	startPeriod, err := parseOptionalDuration(hc.StartPeriod)
	if err != nil {
		return task.HealthCheckConfig{}, fmt.Errorf("container %q health_check.start_period: %w", name, err)
	}
	return task.HealthCheckConfig{
		Test:        hc.Command,
		Interval:    interval,
		Retries:     hc.Retries,
		StartPeriod: startPeriod,
	}, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
