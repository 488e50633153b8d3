package mcpserver

// ADRFormatContract describes the canonical ADR note format that LLM
// consumers should follow when recording decisions.
const ADRFormatContract = `# gitadr ADR Format Contract

Every ADR is stored as a git note under ` + "`" + `refs/notes/adr` + "`" + `. The note text is a
YAML preamble followed by a Markdown body.

## Structure

` + "```" + `markdown
---
id: 20250110-use-postgresql       # REQUIRED – YYYYMMDD-slug, generated on create
title: Use PostgreSQL             # REQUIRED – short imperative phrase
date: 2025-01-10                  # YYYY-MM-DD, defaults to today
status: accepted                  # draft | proposed | accepted | rejected | deprecated | superseded
tags:                             # OPTIONAL – YAML list; matched case-insensitively
  - database
deciders:                         # OPTIONAL – people who made the decision
  - alice
linked_commits:                   # OPTIONAL – commits implementing the decision
  - 4b825dc
supersedes: 20240301-use-mysql    # OPTIONAL – id of the ADR this one replaces
---

## Context

## Decision

## Consequences
` + "```" + `

## Rules

1. **Preamble keys are fixed.** Unknown keys are dropped on the next write.
2. **` + "`" + `title` + "`" + ` is required.** It weighs more than body text in search ranking.
3. **Status ` + "`" + `superseded` + "`" + `** requires ` + "`" + `superseded_by` + "`" + `; use the supersede operation
   rather than editing both ADRs by hand.
4. **Tags** are lowercase, kebab-case (e.g. ` + "`" + `data-platform` + "`" + `).
5. **Body** is UTF-8 Markdown. Trailing whitespace and blank lines are kept as written.
6. **Language policy:** ids and preamble keys MUST be in English (Latin characters).
   Titles, tags and body content may use any language.

## Artifacts

- Attach images or PDFs with the ` + "`" + `attach_artifact` + "`" + ` tool. It returns a
  ` + "`" + `markdownImage` + "`" + ` field and appends the same reference to the ADR body.
- Artifacts are content-addressed by SHA-256 and stored under ` + "`" + `refs/notes/adr-artifacts` + "`" + `.
- A reference looks like ` + "`" + `![Deployment diagram](artifact:<sha256> "diagram.png")` + "`" + `.
  Moving or deleting the line detaches the artifact; the content itself is kept.
- Supported formats: png, jpg, jpeg, gif, webp, svg, pdf.

## Example

` + "```" + `markdown
---
id: 20250120-adopt-kafka
title: Adopt Kafka for domain events
date: 2025-01-20
status: proposed
tags:
  - messaging
---

## Context

Services poll each other for state changes.

## Decision

Publish domain events to Kafka topics owned by the emitting service.

![Topic layout](artifact:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08 "topics.png")

## Consequences

Consumers must tolerate duplicates.
` + "```" + `
`
