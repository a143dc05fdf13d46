// Package report aggregates completed judgments into per-user, per-group and
// per-market rollups, and flattens them for export. Only completed,
// non-reactivated results count; absence of data yields empty results.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"lexeval/internal/config"
	"lexeval/internal/repo"
)

// hitItemCount is the number of target-type judgments that make up one full
// HIT batch. A fixed unit of the annotation workflow, unrelated to a task's
// requiredAnnotations quota.
const hitItemCount = 70

// itemTypeTarget tags real translation items; itemTypeCheck tags
// quality-control checkpoints mixed into a batch.
const (
	itemTypeTarget = "TGT"
	itemTypeCheck  = "CHK"
)

type Reporter struct {
	Repo   repo.Repo
	Config *config.Config
}

func New(db *sql.DB, cfg *config.Config) Reporter {
	return Reporter{Repo: repo.Repo{DB: db}, Config: cfg}
}

// CompletedForUser counts the user's completed judgments, optionally
// collapsing repeat judgments of the same item.
func (r Reporter) CompletedForUser(ctx context.Context, username string, uniqueOnly bool) (int, error) {
	return r.Repo.CountCompletedForUser(ctx, username, uniqueOnly)
}

// HitStatusForUser groups the user's completed target-type judgments by task
// and reports (tasks with a full HIT batch, tasks touched at all).
func (r Reporter) HitStatusForUser(ctx context.Context, username string) (completed, total int, err error) {
	rows, err := r.Repo.UserTaskItemTypes(ctx, username)
	if err != nil {
		return 0, 0, err
	}
	perTask := map[int64]int{}
	for _, row := range rows {
		if !strings.EqualFold(row.ItemType, itemTypeTarget) {
			continue
		}
		perTask[row.TaskID]++
	}
	for _, n := range perTask {
		if n >= hitItemCount {
			completed++
		}
	}
	return completed, len(perTask), nil
}

// TimeForUser sums the user's reported annotation time.
func (r Reporter) TimeForUser(ctx context.Context, username string) (time.Duration, error) {
	durations, err := r.Repo.UserDurations(ctx, username)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, d := range durations {
		total += d
	}
	return time.Duration(total * float64(time.Second)), nil
}

// FormatDuration renders a duration as h:mm:ss for status output.
func FormatDuration(d time.Duration) string {
	s := int64(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// SystemAnnotation is one raw score attributed to a system output, in the
// shape external scoring tools consume. Field order is part of the contract.
type SystemAnnotation struct {
	SystemID    string `json:"system_id"`
	AnnotatorID string `json:"annotator_id"`
	SegmentID   int64  `json:"segment_id"`
	Score       int    `json:"score"`
}

// SystemAnnotations groups completed TGT/CHK judgments by language pair,
// keyed "src-tgt". Pass campaignID 0 for all campaigns.
func (r Reporter) SystemAnnotations(ctx context.Context, campaignID int64) (map[string][]SystemAnnotation, error) {
	rows, err := r.Repo.AnnotationRows(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := map[string][]SystemAnnotation{}
	for _, row := range rows {
		if row.ItemType != itemTypeTarget && row.ItemType != itemTypeCheck {
			continue
		}
		key := row.SourceCode + "-" + row.TargetCode
		out[key] = append(out[key], SystemAnnotation{
			SystemID:    row.TargetID,
			AnnotatorID: row.CreatedBy,
			SegmentID:   row.ItemID,
			Score:       row.Score,
		})
	}
	return out, nil
}

// GroupStatus is one reporting group's progress: tasks with a full HIT batch
// of judgments from the group's members, over tasks the group touched.
type GroupStatus struct {
	Group     string
	Completed int
	Total     int
}

// AccurateGroupStatus buckets completed target-type judgments by reporting
// group. A user's group key joins their non-language group names with ";",
// falling back to "NoGroupInfo". A task counts as complete for a group once
// the group produced a full HIT batch of judgments for it, counted by
// occurrence, not by distinct annotators.
func (r Reporter) AccurateGroupStatus(ctx context.Context) ([]GroupStatus, error) {
	rows, err := r.Repo.GroupStatusRows(ctx)
	if err != nil {
		return nil, err
	}
	groupKeys := map[string]string{}
	perGroup := map[string]map[int64]int{}
	for _, row := range rows {
		if !strings.EqualFold(row.ItemType, itemTypeTarget) || row.TaskID == 0 {
			continue
		}
		key, ok := groupKeys[row.CreatedBy]
		if !ok {
			key, err = r.groupKey(ctx, row.CreatedBy)
			if err != nil {
				return nil, err
			}
			groupKeys[row.CreatedBy] = key
		}
		if perGroup[key] == nil {
			perGroup[key] = map[int64]int{}
		}
		perGroup[key][row.TaskID]++
	}
	out := make([]GroupStatus, 0, len(perGroup))
	for key, tasks := range perGroup {
		gs := GroupStatus{Group: key, Total: len(tasks)}
		for _, n := range tasks {
			if n >= hitItemCount {
				gs.Completed++
			}
		}
		out = append(out, gs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out, nil
}

// groupKey joins the user's reporting groups, dropping names that are
// language codes (language-pair bookkeeping, not reporting groups).
func (r Reporter) groupKey(ctx context.Context, username string) (string, error) {
	groups, err := r.Repo.AnnotatorGroups(ctx, username)
	if err != nil {
		return "", err
	}
	var kept []string
	for _, g := range groups {
		if r.Config != nil && r.Config.IsLanguageCode(g) {
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		return "NoGroupInfo", nil
	}
	return strings.Join(kept, ";"), nil
}
