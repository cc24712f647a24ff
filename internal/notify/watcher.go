package notify

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Handler receives one decoded event. Hash-less events (sync_completed,
// consolidation_completed) are delivered too.
type Handler func(Event)

// EventWatcher tails {dataPath}/events/ and hands each event file to
// its Handler exactly once, deleting the file after delivery.
type EventWatcher struct {
	dir     string
	handler Handler
	fs      *fsnotify.Watcher
	done    chan struct{}
}

// NewEventWatcher builds a watcher over {dataPath}/events/.
func NewEventWatcher(dataPath string, handler Handler) *EventWatcher {
	return &EventWatcher{
		dir:     filepath.Join(dataPath, "events"),
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Start registers the directory watch, then sweeps files written before
// this process came up. Watch-before-sweep: a file landing between the
// two is seen twice at worst, and consume tolerates losing the race.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(ew.dir); err != nil {
		_ = fs.Close()
		return err
	}
	ew.fs = fs

	ew.sweep()
	go ew.loop()
	log.Printf("notify: tailing %s", ew.dir)
	return nil
}

// Stop closes the watch and waits for the dispatch loop to exit.
func (ew *EventWatcher) Stop() {
	if ew.fs != nil {
		_ = ew.fs.Close()
	}
	<-ew.done
}

// sweep delivers leftover event files oldest first. Filenames start
// with a nanosecond timestamp, so lexical order is arrival order.
func (ew *EventWatcher) sweep() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".event") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		ew.consume(filepath.Join(ew.dir, name))
	}
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.fs.Events:
			if !ok {
				return
			}
			if evt.Op.Has(fsnotify.Create) && strings.HasSuffix(evt.Name, ".event") {
				ew.consume(evt.Name)
			}
		case err, ok := <-ew.fs.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watch error: %v", err)
		}
	}
}

// consume claims one event file by deleting it after reading. A file
// that cannot be read was claimed by another consumer; not an error.
func (ew *EventWatcher) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.Remove(path)

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("notify: discarding malformed event %s: %v", filepath.Base(path), err)
		return
	}
	if event.Type == "" || ew.handler == nil {
		return
	}
	ew.handler(event)
}
