package observability

import "github.com/harun/kirana/pkg/history"

// TranscriptObserver feeds transcript item lifecycle into metrics. Hand
// it to a history recorder as its observer.
type TranscriptObserver struct{}

func (TranscriptObserver) ItemStarted(item history.Item) {
	RecordTranscriptItemStart(string(item.Kind))
}

func (TranscriptObserver) ItemCompleted(item history.Item) {
	RecordTranscriptItem(string(item.Kind))
}
