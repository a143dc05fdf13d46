package report

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"lexeval/internal/repo"
)

// Export headers are wire contracts for downstream scoring tools. Fields are
// comma-joined without quoting or escaping; values are assumed comma-free.
const (
	fullDumpHeader   = "taskID,systemID,username,email,groups,segmentID,score,referenceErrors,translationErrors,startTime,endTime,durationInSeconds,itemType,campaignName"
	scopedDumpHeader = "username,email,segmentID,score,referenceErrors,translationErrors,durationInSeconds,itemType"
)

// DumpAllResultsCSV writes every completed judgment as CSV, grouped by
// market and domain. Annotator lookups are unguarded: a judgment by an
// unknown user fails the whole run.
func (r Reporter) DumpAllResultsCSV(ctx context.Context, w io.Writer) error {
	rows, err := r.Repo.CompletedRowsAsc(ctx)
	if err != nil {
		return err
	}
	type userInfo struct {
		email  string
		groups string
	}
	users := map[string]userInfo{}
	grouped := map[string][]string{}
	for _, row := range rows {
		info, ok := users[row.CreatedBy]
		if !ok {
			a, err := r.Repo.GetAnnotator(ctx, row.CreatedBy)
			if err != nil {
				return fmt.Errorf("annotator %s: %w", row.CreatedBy, err)
			}
			var kept []string
			for _, g := range a.Groups {
				if r.Config != nil && r.Config.IsLanguageCode(g) {
					continue
				}
				kept = append(kept, g)
			}
			groups := strings.Join(kept, ";")
			if groups == "" {
				groups = "NoGroupInfo"
			}
			info = userInfo{email: a.Email, groups: groups}
			users[row.CreatedBy] = info
		}
		key := row.SourceCode + "-" + row.TargetCode + "-" + row.DomainName
		grouped[key] = append(grouped[key], strings.Join([]string{
			strconv.FormatInt(row.TaskID, 10),
			row.TargetID,
			row.CreatedBy,
			info.email,
			info.groups,
			strconv.FormatInt(row.ItemID, 10),
			strconv.Itoa(row.Score),
			row.ReferenceErrors,
			row.TranslationErrors,
			formatSeconds(row.StartTime),
			formatSeconds(row.EndTime),
			formatDurationSeconds(row.EndTime-row.StartTime),
			row.ItemType,
			row.CampaignName,
		}, ","))
	}
	if _, err := io.WriteString(w, fullDumpHeader+"\n"); err != nil {
		return err
	}
	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, line := range grouped[k] {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

// CSVRows returns the completed judgments for one language pair and domain,
// in submission order, ready for WriteCSV.
func (r Reporter) CSVRows(ctx context.Context, srcCode, tgtCode, domainName string) ([]repo.CompletedRow, error) {
	return r.Repo.CompletedRowsForMarket(ctx, srcCode, tgtCode, domainName)
}

// WriteCSV writes scoped rows. With allData, a leading systemID column is
// included; annotator lookups are unguarded as in the full dump.
func (r Reporter) WriteCSV(ctx context.Context, w io.Writer, rows []repo.CompletedRow, allData bool) error {
	header := scopedDumpHeader
	if allData {
		header = "systemID," + header
	}
	if _, err := io.WriteString(w, header+"\n"); err != nil {
		return err
	}
	for _, row := range rows {
		a, err := r.Repo.GetAnnotator(ctx, row.CreatedBy)
		if err != nil {
			return fmt.Errorf("annotator %s: %w", row.CreatedBy, err)
		}
		fields := []string{
			a.Username,
			a.Email,
			strconv.FormatInt(row.ItemID, 10),
			strconv.Itoa(row.Score),
			row.ReferenceErrors,
			row.TranslationErrors,
			formatDurationSeconds(row.EndTime - row.StartTime),
			row.ItemType,
		}
		if allData {
			fields = append([]string{row.TargetID}, fields...)
		}
		if _, err := io.WriteString(w, strings.Join(fields, ",")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

const dumpBatchSize = 1000

// DumpScores appends every completed judgment to path as KEY: value blocks
// separated by a ten-dash line, newest result first, flushed in batches of
// 1000. A .gz suffix selects gzip output.
func (r Reporter) DumpScores(ctx context.Context, path string) error {
	rows, err := r.Repo.CompletedRowsDesc(ctx)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	buf := bufio.NewWriter(w)

	for i, row := range rows {
		if err := writeScoreBlock(buf, row); err != nil {
			return err
		}
		if (i+1)%dumpBatchSize == 0 {
			if err := buf.Flush(); err != nil {
				return err
			}
		}
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

func writeScoreBlock(w io.Writer, row repo.CompletedRow) error {
	lines := []string{
		"RESULT_ID: " + strconv.FormatInt(row.ID, 10),
		"DATE_CREATED: " + row.CreatedAt,
		"CAMPAIGN_NAME: " + row.CampaignName,
		"ITEM_ID: " + strconv.FormatInt(row.ItemID, 10),
		"ITEM_TYPE: " + row.ItemType,
		"SOURCE_TEXT: " + row.SourceText,
		"SOURCE_ID: " + row.SourceID,
		"TARGET_TEXT: " + row.TargetText,
		"TARGET_ID: " + row.TargetID,
		"ITEM_SCORE: " + strconv.Itoa(row.Score),
		"REFERENCE_ERRORS: " + row.ReferenceErrors,
		"TRANSLATION_ERRORS: " + row.TranslationErrors,
		"CREATED_BY: " + row.CreatedBy,
		strings.Repeat("-", 10),
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// formatSeconds renders a client-reported timestamp with at least one
// decimal, matching the historical export output.
func formatSeconds(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func formatDurationSeconds(d float64) string {
	return strconv.FormatFloat(float64(int64(d*10+0.5))/10, 'f', 1, 64)
}
