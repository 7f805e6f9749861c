package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptAnswersKey returns the hash holding an attempt's answers by question ID
func (r *CacheKeyStruct) AttemptAnswersKey(participantID string) string {
	return fmt.Sprintf("attempt:%s:answers", participantID)
}

// AttemptStartKey returns the cache key for an attempt's start time
func (r *CacheKeyStruct) AttemptStartKey(participantID string) string {
	return fmt.Sprintf("attempt:%s:started_at", participantID)
}

// AttemptFullscreenExitsKey returns the counter of an attempt's fullscreen exits
func (r *CacheKeyStruct) AttemptFullscreenExitsKey(participantID string) string {
	return fmt.Sprintf("attempt:%s:fullscreen_exits", participantID)
}

// AttemptOutOfFullscreenKey marks an attempt as currently outside fullscreen
func (r *CacheKeyStruct) AttemptOutOfFullscreenKey(participantID string) string {
	return fmt.Sprintf("attempt:%s:out_of_fullscreen", participantID)
}

// AttemptScoreKey returns the cache key for an attempt's reconciled score
func (r *CacheKeyStruct) AttemptScoreKey(participantID string) string {
	return fmt.Sprintf("attempt:%s:score", participantID)
}

// ExamPayloadKey returns the cache key for an exam's payload
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

var CacheKey = NewCacheKeyStruct()
