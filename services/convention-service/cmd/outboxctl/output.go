package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func eventState(e eventView) string {
	switch {
	case e.Quarantined:
		return "quarantined"
	case e.Published:
		return "published"
	default:
		return "pending"
	}
}

func printEventTable(w io.Writer, list []eventView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tOCCURRED\tSTATE\tATTEMPTS")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", e.ID, e.Topic, e.OccurredAt.Format(timeLayout), eventState(e), e.Attempts)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d event(s)\n", len(list))
}

func printEventDetail(w io.Writer, e eventView) {
	fmt.Fprintf(w, "ID:        %s\n", e.ID)
	fmt.Fprintf(w, "Topic:     %s\n", e.Topic)
	fmt.Fprintf(w, "Occurred:  %s\n", e.OccurredAt.Format(timeLayout))
	fmt.Fprintf(w, "State:     %s\n", eventState(e))
	fmt.Fprintf(w, "Payload:   %s\n", string(e.Payload))
	if len(e.Publications) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Publications:")
	for i, p := range e.Publications {
		fmt.Fprintf(w, "  #%d [%s] ok: %s\n", i+1, p.AttemptedAt.Format(timeLayout), strings.Join(p.Succeeded, ", "))
		for _, f := range p.Failures {
			fmt.Fprintf(w, "      failed %s: %s\n", f.HandlerID, f.Error)
		}
	}
}
