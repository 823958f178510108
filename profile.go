// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically writes heap and CPU profiles to outdir
// every interval until done is closed.
func writeProfilesPeriodically(outdir string, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMemProfile(outdir)
			writeCPUProfile(outdir)
		}
	}
}

func writeCPUProfile(outdir string) {
	f, err := os.OpenFile(outdir+"/cpu.prof~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	if err := pprof.StartCPUProfile(f); err != nil {
		log.Print(err)
		return
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	if err = f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err = os.Rename(outdir+"/cpu.prof~", outdir+"/cpu.prof"); err != nil {
		log.Print(err)
	}
}

func writeMemProfile(outdir string) {
	f, err := os.OpenFile(outdir+"/mem.prof~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Print(err)
		return
	}
	if err = f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err = os.Rename(outdir+"/mem.prof~", outdir+"/mem.prof"); err != nil {
		log.Print(err)
	}
}
