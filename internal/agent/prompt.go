package agent

import (
	"strings"
	"sync"
	"time"
)

const baseInstructions = `You are persona, a capable AI assistant with access to a sandboxed
Linux container. You can run shell commands, write files, and load skills
to help the user with their tasks.

Guidelines:
- Run commands with run_cmd when the user asks about the system, files,
  or anything a shell can answer. Prefer doing over describing.
- Write files with save_text_file; always confirm the path you wrote to.
- When a task matches an available skill, load it with load_skill and
  follow its instructions before improvising.
- The user's working directory, when mounted, is available at /mnt.
- Keep answers concise. Show command output when it answers the question.`

// Prompt assembles the system prompt: standing instructions, the current
// date and time, and the skills index. The skills block is cached until
// Invalidate is called (the skills watcher calls it on changes).
type Prompt struct {
	skillsXML func() string
	now       func() time.Time

	mu     sync.Mutex
	cached string
	valid  bool
}

// NewPrompt builds a Prompt. skillsXML may be nil when no skills
// directory is configured.
func NewPrompt(skillsXML func() string) *Prompt {
	return &Prompt{skillsXML: skillsXML, now: time.Now}
}

// System returns the full system prompt for the next request.
func (p *Prompt) System() string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	b.WriteString("\n\nCurrent date and time: ")
	b.WriteString(p.now().Format("Monday, 2 January 2006, 15:04 MST"))

	if block := p.skillsBlock(); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}
	return b.String()
}

// Invalidate discards the cached skills block so the next System call
// re-reads the index.
func (p *Prompt) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}

func (p *Prompt) skillsBlock() string {
	if p.skillsXML == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid {
		xml := p.skillsXML()
		if xml == "" {
			p.cached = ""
		} else {
			p.cached = "The following skills are available via the load_skill tool:\n<available_skills>\n" +
				xml + "\n</available_skills>"
		}
		p.valid = true
	}
	return p.cached
}
