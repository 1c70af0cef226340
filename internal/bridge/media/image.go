package media

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// openCodeInstructionNote mirrors the instruction text dispatch.shapePrompt
// appends for @oc_ senders; duplicated rather than imported to keep media
// decoupled from dispatch.
const openCodeInstructionNote = "\n\n(You must include the sender's full Matrix mention in any reply.)"

// buildImagePayload implements the §4.9 image branch's multimodal
// content-block template, including the optional OpenCode instruction
// append when senderIsOpenCode.
func buildImagePayload(filename, caption, mimeType string, data []byte, senderIsOpenCode bool) []ContentBlock {
	header := fmt.Sprintf("[Image Upload: %s]", filename)
	var text string
	if strings.TrimSpace(caption) != "" {
		text = fmt.Sprintf("%s\n\nThe user shared an image and asked: %q\n\nPlease analyze the image and respond to the user's question.", header, caption)
	} else {
		text = fmt.Sprintf("%s\n\nThe user shared an image.\n\nPlease analyze the image and respond.", header)
	}
	if senderIsOpenCode {
		text += openCodeInstructionNote
	}

	return []ContentBlock{
		{Type: "text", Text: text},
		{
			Type: "image",
			Source: &ImageSource{
				Type:      "base64",
				MediaType: mimeType,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		},
	}
}
