package assistant

import "strings"

type promptOpts struct {
	botName     string
	persona     string
	contactName string
	language    string
	kbContext   string
}

const guidelines = `Guidelines:
- Keep responses concise and conversational, suitable for WhatsApp
- Be helpful, friendly and professional
- Write plain text only: no markdown, no **bold**, no bullet lists
- Never make up information that is not in the knowledge base
- Do not offer to connect the user with a human agent unless they ask
- Use emojis sparingly`

func buildSystemPrompt(o promptOpts) string {
	botName := o.botName
	if botName == "" {
		botName = "Assistant"
	}
	persona := o.persona
	if persona == "" {
		persona = "a helpful AI assistant"
	}

	var b strings.Builder
	b.WriteString("You are " + botName + ", " + persona + ".\n")
	b.WriteString("You are talking with " + o.contactName + ".\n")

	if o.language != "" && o.language != "auto" {
		b.WriteString("Always reply in " + o.language + ".\n")
	} else {
		b.WriteString("Detect the language of the user's message and always reply in the same language.\n")
	}

	if o.kbContext != "" {
		b.WriteString("\nUse the following knowledge base to answer questions. Only use information from this context. ")
		b.WriteString("If the answer is not in it, say you don't have that information.\n\n")
		b.WriteString("--- KNOWLEDGE BASE ---\n")
		b.WriteString(o.kbContext)
		b.WriteString("\n--- END KNOWLEDGE BASE ---\n")
	} else {
		b.WriteString("\nNo knowledge base is loaded for this business. Answer from general knowledge ")
		b.WriteString("and do not invent business-specific facts such as prices, policies or hours.\n")
	}

	b.WriteString("\n" + guidelines)
	return b.String()
}
