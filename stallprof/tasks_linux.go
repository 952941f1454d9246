// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package stallprof

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// listTasks scans <procRoot>/<pid>/task for the thread IDs of pid.
func listTasks(procRoot string, pid int) ([]int, error) {
	dir := filepath.Join(procRoot, strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", dir, err)
	}

	var tids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			log.WithField("entry", entry.Name()).Debug("skipping non-numeric task entry")
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// readTaskState returns the state letter of the task directory dir, "" when
// it cannot be read.
func readTaskState(dir string) string {
	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return ""
	}
	return taskState(string(stat))
}

// taskState extracts the state letter from a stat line. The comm field is
// parenthesized and may contain spaces, so parse after the last ')'.
func taskState(stat string) string {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return ""
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func taskExists(procRoot string, pid, tid int) bool {
	_, err := os.Stat(filepath.Join(procRoot, strconv.Itoa(pid), "task", strconv.Itoa(tid)))
	return err == nil
}
