package orchestrator

import "fmt"

// SceneEntry is one scene's final, accepted text inside a chapter.
type SceneEntry struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// ChapterBuffer accumulates scenes in memory until it rolls over at
// ChapterRollThreshold words (spec.md §3).
type ChapterBuffer struct {
	Title      string       `json:"title"`
	Scenes     []SceneEntry `json:"scenes"`
	TotalWords int          `json:"total_words"`
}

func newChapterBuffer(index int) *ChapterBuffer {
	return &ChapterBuffer{Title: fmt.Sprintf("Chapter %d", index)}
}

// Append adds an accepted scene to the buffer.
func (c *ChapterBuffer) Append(scene SceneEntry) {
	c.Scenes = append(c.Scenes, scene)
	c.TotalWords += scene.WordCount
}

// AppendToLast merges content into the most recently appended scene,
// used for the Editor's MERGE decision — the scene index is not
// incremented because no new scene was created.
func (c *ChapterBuffer) AppendToLast(content string, words int) bool {
	if len(c.Scenes) == 0 {
		return false
	}
	last := &c.Scenes[len(c.Scenes)-1]
	last.Content += "\n\n" + content
	last.WordCount += words
	c.TotalWords += words
	return true
}

func (c *ChapterBuffer) ReadyToRoll(threshold int) bool {
	return c.TotalWords >= threshold
}
