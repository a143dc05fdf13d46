package server

import (
	"lexeval/internal/domain"
)

type TaskResponse struct {
	ID                  int64    `json:"id"`
	CampaignID          int64    `json:"campaign_id"`
	Kind                string   `json:"kind"`
	RequiredAnnotations int      `json:"required_annotations"`
	BatchNo             int      `json:"batch_no"`
	BatchName           string   `json:"batch_name,omitempty"`
	Activated           bool     `json:"activated"`
	Completed           bool     `json:"completed"`
	AssignedTo          []string `json:"assigned_to,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                  t.ID,
		CampaignID:          t.CampaignID,
		Kind:                t.Kind,
		RequiredAnnotations: t.RequiredAnnotations,
		BatchNo:             t.BatchNo,
		BatchName:           t.BatchName,
		Activated:           t.Activated,
		Completed:           t.Completed,
		AssignedTo:          t.AssignedTo,
	}
}

type ItemResponse struct {
	ID         int64  `json:"id"`
	ItemID     int64  `json:"item_id"`
	ItemType   string `json:"item_type"`
	SourceID   string `json:"source_id"`
	SourceText string `json:"source_text"`
	SourceURL  string `json:"source_url,omitempty"`
	TargetID   string `json:"target_id"`
	TargetText string `json:"target_text"`
	TargetURL  string `json:"target_url,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

func itemResponse(it domain.TextPair) ItemResponse {
	return ItemResponse{
		ID:         it.ID,
		ItemID:     it.ItemID,
		ItemType:   it.ItemType,
		SourceID:   it.SourceID,
		SourceText: it.SourceText,
		SourceURL:  it.SourceURL,
		TargetID:   it.TargetID,
		TargetText: it.TargetText,
		TargetURL:  it.TargetURL,
		ImageURL:   it.ImageURL,
	}
}

type SubmitResultRequest struct {
	TaskID            int64   `json:"task_id"`
	ItemRow           int64   `json:"item_row"`
	Score             int     `json:"score" minimum:"1" maximum:"100"`
	ReferenceErrors   string  `json:"reference_errors,omitempty"`
	TranslationErrors string  `json:"translation_errors,omitempty"`
	StartTime         float64 `json:"start_time"`
	EndTime           float64 `json:"end_time"`
}

type ResultResponse struct {
	ID       int64   `json:"id"`
	ItemRow  int64   `json:"item_row"`
	TaskID   int64   `json:"task_id,omitempty"`
	Score    int     `json:"score"`
	Duration float64 `json:"duration_seconds"`
}

func resultResponse(r domain.Result) ResultResponse {
	return ResultResponse{
		ID:       r.ID,
		ItemRow:  r.ItemRow,
		TaskID:   r.TaskID,
		Score:    r.Score,
		Duration: r.Duration(),
	}
}

type StatusResponse struct {
	Username        string `json:"username"`
	CompletedTotal  int    `json:"completed_total"`
	CompletedUnique int    `json:"completed_unique"`
	CompletedHits   int    `json:"completed_hits"`
	TotalHits       int    `json:"total_hits"`
	TimeSpent       string `json:"time_spent"`
}
