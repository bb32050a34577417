package router

import (
	"strings"
)

// Contact is the escalation contact info appended to escalation replies.
type Contact struct {
	Email string
	URL   string
}

type replies struct {
	decline   string
	escalate  string
	greeting  string
	reachUsAt string
	orVisit   string
}

var localized = map[string]replies{
	"en": {
		decline:   "I can only help with questions about our products and services. Is there something along those lines I can help you with?",
		escalate:  "This needs a member of our team, so I won't guess at account-specific details.",
		greeting:  "Hello! How can I help you today?",
		reachUsAt: "Please reach us at",
		orVisit:   "or visit",
	},
	"es": {
		decline:   "Solo puedo ayudarte con preguntas sobre nuestros productos y servicios. ¿Hay algo de eso en lo que pueda ayudarte?",
		escalate:  "Esto requiere a un miembro de nuestro equipo, así que no voy a suponer detalles de tu cuenta.",
		greeting:  "¡Hola! ¿En qué puedo ayudarte hoy?",
		reachUsAt: "Escríbenos a",
		orVisit:   "o visita",
	},
	"de": {
		decline:   "Ich kann nur Fragen zu unseren Produkten und Leistungen beantworten. Gibt es dazu etwas, womit ich helfen kann?",
		escalate:  "Dafür braucht es jemanden aus unserem Team, daher rate ich nicht bei kontobezogenen Details.",
		greeting:  "Hallo! Wie kann ich Ihnen heute helfen?",
		reachUsAt: "Bitte kontaktieren Sie uns unter",
		orVisit:   "oder besuchen Sie",
	},
	"fr": {
		decline:   "Je peux uniquement répondre aux questions sur nos produits et services. Puis-je vous aider à ce sujet ?",
		escalate:  "Cette demande nécessite un membre de notre équipe, je ne vais donc pas deviner les détails de votre compte.",
		greeting:  "Bonjour ! Comment puis-je vous aider aujourd'hui ?",
		reachUsAt: "Contactez-nous à",
		orVisit:   "ou consultez",
	},
}

// Locale reduces a tag like "fr-CA" to a supported language, defaulting
// to "en".
func Locale(tag string) string {
	lang := strings.ToLower(tag)
	if i := strings.IndexAny(lang, "-_,;"); i >= 0 {
		lang = lang[:i]
	}
	if _, ok := localized[lang]; ok {
		return lang
	}
	return "en"
}

func repliesFor(locale string) replies {
	return localized[Locale(locale)]
}

func (r replies) escalation(c Contact) string {
	var sb strings.Builder
	sb.WriteString(r.escalate)
	if c.Email != "" || c.URL != "" {
		sb.WriteString(" ")
		sb.WriteString(r.reachUsAt)
		if c.Email != "" {
			sb.WriteString(" ")
			sb.WriteString(c.Email)
		}
		if c.URL != "" {
			if c.Email != "" {
				sb.WriteString(" ")
				sb.WriteString(r.orVisit)
			}
			sb.WriteString(" ")
			sb.WriteString(c.URL)
		}
		sb.WriteString(".")
	}
	return sb.String()
}
