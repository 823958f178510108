// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"import":             &importer{},
		"qc":                 &qccmd{},
		"lsi":                &lsicmd{},
		"cluster":            &clustercmd{},
		"gene-activity":      &geneActivityCmd{},
		"chromvar":           &chromvarcmd{},
		"find-markers":       &findMarkers{},
		"run":                &runPipeline{},
		"export-numpy":       &exportNumpy{},
		"stats":              &statscmd{},
		"build-docker-image": &buildDockerImage{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// remoteFlags are the flags every analysis command accepts.
type remoteFlags struct {
	Pprof       string
	Local       bool
	ProjectUUID string
	Priority    int
	Threads     int
	ProfileDir  string
}

func (rf *remoteFlags) Flags(flags *flag.FlagSet) {
	flags.StringVar(&rf.Pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.BoolVar(&rf.Local, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&rf.ProjectUUID, "project", "", "project `UUID` for output data")
	flags.IntVar(&rf.Priority, "priority", 500, "container request priority")
	flags.IntVar(&rf.Threads, "threads", 0, "number of worker goroutines (0 = GOMAXPROCS)")
	flags.StringVar(&rf.ProfileDir, "profile-dir", "", "write CPU and heap profiles to `dir` every minute")
}

// start serves or writes profiling data if requested. The returned
// func stops periodic profile writing.
func (rf *remoteFlags) start() func() {
	if rf.Pprof != "" {
		go func() {
			logrus.Println(http.ListenAndServe(rf.Pprof, nil))
		}()
	}
	done := make(chan struct{})
	if rf.ProfileDir != "" && rf.Local {
		go writeProfilesPeriodically(rf.ProfileDir, time.Minute, done)
	}
	return func() { close(done) }
}

func (rf *remoteFlags) runner(name string, ram int64, vcpus int) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: rf.ProjectUUID,
		RAM:         ram,
		VCPUs:       vcpus,
		Priority:    rf.Priority,
	}
}

// commandContext returns a context that is cancelled on SIGINT or
// SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseFlags parses args and returns the exit code to use, or -1 to
// continue.
func parseFlags(flags *flag.FlagSet, args []string, errp *error) int {
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return 0
	} else if err != nil {
		*errp = err
		return 2
	} else if flags.NArg() > 0 {
		*errp = fmt.Errorf("unrecognized command line arguments: %q", flags.Args())
		return 2
	}
	return -1
}

type buildDockerImage struct{}

func (cmd *buildDockerImage) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	tmpdir, err := os.MkdirTemp("", "")
	if err != nil {
		fmt.Fprint(stderr, err)
		return 1
	}
	defer os.RemoveAll(tmpdir)
	err = os.WriteFile(tmpdir+"/Dockerfile", []byte(`FROM debian:bookworm
RUN DEBIAN_FRONTEND=noninteractive \
  apt-get update && \
  apt-get dist-upgrade -y && \
  apt-get install -y --no-install-recommends bedtools samtools tabix ca-certificates && \
  apt-get clean
`), 0644)
	if err != nil {
		fmt.Fprint(stderr, err)
		return 1
	}
	docker := exec.Command("docker", "build", "--tag="+runtimeImage, tmpdir)
	docker.Stdout = stdout
	docker.Stderr = stderr
	err = docker.Run()
	if err != nil {
		return 1
	}
	fmt.Fprintf(stderr, "built and tagged new docker image, %s\n", runtimeImage)
	return 0
}
