package mcpserver

// NoteFormatContract describes how LLM consumers should shape the content
// they pass to create_note and update_note.
const NoteFormatContract = `# Quire Note Format Contract

A quire note has a title, a Markdown body and an ordered list of image
attachments. Notes are addressed by id (a UUID), never by path.

## Structure

` + "```" + `markdown
---
title: Human-readable title        # OPTIONAL – wins over a leading heading
---

# Human-readable title             <- used as the title when frontmatter has none

Body text in standard Markdown.
` + "```" + `

## Rules

1. **Title.** Set it either in YAML frontmatter or as a first-line ` + "`" + `# Heading` + "`" + `.
   A leading heading that becomes the title is removed from the stored body.
2. **Search.** Every word of the title and body is searchable, case and accent
   insensitive. Write words out; search does not match inside punctuation.
3. **Encoding** is UTF-8.
4. **Deleting** is soft: a deleted note can be restored until the grace period
   ends and it is purged.

## Images

- Upload images with the ` + "`" + `upload_asset` + "`" + ` tool (png, jpeg, gif, webp). Pass
  ` + "`" + `note_id` + "`" + ` to attach the image to an existing note right away.
- Otherwise pass the returned ` + "`" + `attachment_id` + "`" + ` in ` + "`" + `attachment_ids` + "`" + ` of
  ` + "`" + `create_note` + "`" + `. Unattached uploads are removed after a retention window.
- The tool also returns a ` + "`" + `markdownImage` + "`" + ` snippet pointing at the payload URL.

## Example

` + "```" + `markdown
---
title: Weekly standup 2025-01-20
---

Attendees: Alice, Bob.

![Whiteboard photo](/api/attachments/0192a7c4-5e1f-7b3a-9c2d-1e4f5a6b7c8d/payload)

## Action items

- Alice to review the design doc
- Bob to update the roadmap
` + "```" + `
`
