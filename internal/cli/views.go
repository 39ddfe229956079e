package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/courier/internal/engine"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/queue"
)

// timeLayout is how timestamps are shown in text output.
const timeLayout = "2006-01-02 15:04:05Z07:00"

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// drainView is the result of one drain pass.
type drainView struct {
	engine.DrainResult
	Remaining int `json:"remaining"`
}

func (v drainView) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"attempted %d: %d succeeded, %d transient, %d permanent\n"+
			"deferred %d, skipped %d, recovered %d, promoted %d\n"+
			"%d unfinished entries remain\n",
		v.Attempted, v.Succeeded, v.Transient, v.Permanent,
		v.Deferred, v.Skipped, v.Recovered, v.Promoted,
		v.Remaining)
	return err
}

// statusView summarizes the queue.
type statusView struct {
	Database string         `json:"database"`
	Stats    queue.Stats    `json:"stats"`
	NextDue  *time.Time     `json:"next_due,omitempty"`
	Entities map[string]int `json:"entities"`
}

func (v statusView) renderText(w io.Writer) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "database\t%s\n", v.Database)
	for _, t := range model.EntityTypes {
		fmt.Fprintf(tw, "%s\t%d\n", t.Table(), v.Entities[string(t)])
	}
	fmt.Fprintf(tw, "pending\t%d\n", v.Stats.Pending)
	fmt.Fprintf(tw, "syncing\t%d\n", v.Stats.Syncing)
	fmt.Fprintf(tw, "failed\t%d (%d transient, %d permanent)\n",
		v.Stats.Failed, v.Stats.FailedTransient, v.Stats.FailedPermanent)
	fmt.Fprintf(tw, "completed\t%d\n", v.Stats.Completed)
	fmt.Fprintf(tw, "next retry\t%s\n", formatTime(v.NextDue))
	return tw.Flush()
}

// entryList is a list of queue entries.
type entryList []queue.Entry

func (l entryList) renderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no entries")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTATUS\tOP\tENTITY\tRETRIES\tLAST ERROR")
	for _, e := range l {
		status := string(e.Status)
		if e.FailureKind != queue.FailureNone {
			status += "/" + string(e.FailureKind)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, status, e.Operation, e.Key(), e.RetryCount, truncate(e.LastError, 48))
	}
	return tw.Flush()
}

// entryView is a single queue entry in full.
type entryView struct {
	*queue.Entry
}

func (v entryView) renderText(w io.Writer) error {
	e := v.Entry
	tw := newTable(w)
	fmt.Fprintf(tw, "id\t%d\n", e.ID)
	fmt.Fprintf(tw, "entity\t%s\n", e.Key())
	fmt.Fprintf(tw, "operation\t%s\n", e.Operation)
	fmt.Fprintf(tw, "status\t%s\n", e.Status)
	if e.FailureKind != queue.FailureNone {
		fmt.Fprintf(tw, "failure\t%s\n", e.FailureKind)
	}
	fmt.Fprintf(tw, "idempotency key\t%s\n", e.IdempotencyKey)
	fmt.Fprintf(tw, "retries\t%d\n", e.RetryCount)
	if e.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", e.LastError)
	}
	if e.ServerID != "" {
		fmt.Fprintf(tw, "server id\t%s\n", e.ServerID)
	}
	fmt.Fprintf(tw, "created\t%s\n", formatTime(&e.CreatedAt))
	fmt.Fprintf(tw, "last attempt\t%s\n", formatTime(e.LastAttemptAt))
	fmt.Fprintf(tw, "next attempt\t%s\n", formatTime(e.NextAttemptAt))
	fmt.Fprintf(tw, "completed\t%s\n", formatTime(e.CompletedAt))
	fmt.Fprintf(tw, "payload\t%s\n", e.Payload)
	return tw.Flush()
}

// entityView shows one entity with its sync state.
type entityView struct {
	Entity model.Entity `json:"entity"`
	Synced bool         `json:"synced"`
}

func newEntityView(e model.Entity) entityView {
	return entityView{Entity: e, Synced: !ids.IsLocal(e.EntityID())}
}

func (v entityView) renderText(w io.Writer) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "id\t%s\n", v.Entity.EntityID())
	switch e := v.Entity.(type) {
	case *model.User:
		fmt.Fprintf(tw, "name\t%s\n", e.Name)
		fmt.Fprintf(tw, "email\t%s\n", e.Email)
		if e.Phone != "" {
			fmt.Fprintf(tw, "phone\t%s\n", e.Phone)
		}
		fmt.Fprintf(tw, "role\t%s\n", e.Role)
		fmt.Fprintf(tw, "last synced\t%s\n", formatTime(e.LastSyncedAt))
	case *model.Driver:
		fmt.Fprintf(tw, "user\t%s\n", e.UserID)
		fmt.Fprintf(tw, "license\t%s\n", e.LicenseNumber)
		fmt.Fprintf(tw, "vehicle\t%s\n", e.VehicleType)
		fmt.Fprintf(tw, "status\t%s\n", e.Status)
		fmt.Fprintf(tw, "last synced\t%s\n", formatTime(e.LastSyncedAt))
	case *model.Order:
		fmt.Fprintf(tw, "customer\t%s\n", e.CustomerID)
		driver := e.DriverID
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(tw, "driver\t%s\n", driver)
		fmt.Fprintf(tw, "status\t%s\n", e.Status)
		fmt.Fprintf(tw, "pickup\t%s\n", e.PickupAddress)
		fmt.Fprintf(tw, "dropoff\t%s\n", e.DropoffAddress)
		for _, it := range e.Items {
			fmt.Fprintf(tw, "item %d\t%d x %s @ %s\n", it.Position, it.Quantity, it.Name, formatCents(it.UnitPriceCents))
		}
		fmt.Fprintf(tw, "total\t%s\n", formatCents(e.TotalCents))
		fmt.Fprintf(tw, "last synced\t%s\n", formatTime(e.LastSyncedAt))
	}
	if !v.Synced {
		fmt.Fprintf(tw, "sync\tnot yet acknowledged by the server\n")
	}
	return tw.Flush()
}

// entityList is a list of entities of one type.
type entityList []model.Entity

func (l entityList) renderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "none")
		return err
	}
	tw := newTable(w)
	for _, e := range l {
		var summary string
		switch e := e.(type) {
		case *model.User:
			summary = fmt.Sprintf("%s\t%s\t%s", e.Name, e.Email, e.Role)
		case *model.Driver:
			summary = fmt.Sprintf("%s\t%s\t%s", e.UserID, e.VehicleType, e.Status)
		case *model.Order:
			summary = fmt.Sprintf("%s\t%s\t%s", e.CustomerID, e.Status, formatCents(e.TotalCents))
		}
		marker := ""
		if ids.IsLocal(e.EntityID()) {
			marker = " *"
		}
		fmt.Fprintf(tw, "%s%s\t%s\n", e.EntityID(), marker, summary)
	}
	return tw.Flush()
}

// message is a one-line confirmation.
type message struct {
	Text string `json:"message"`
}

func (m message) renderText(w io.Writer) error {
	_, err := fmt.Fprintln(w, m.Text)
	return err
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
