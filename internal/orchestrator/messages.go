package orchestrator

import (
	"hash/fnv"

	"github.com/kalambet/deflect/internal/router"
)

type cannedReplies struct {
	fallbacks []string
	busy      string
	duplicate string
}

var canned = map[string]cannedReplies{
	"en": {
		fallbacks: []string{
			"I'm sorry, I'm having trouble answering right now. Please try again in a moment.",
			"Sorry, something went wrong on my side. Could you ask again shortly?",
			"I couldn't put an answer together just now. Please try again or contact our support team.",
		},
		busy:      "I'm still working on your previous message. Please wait a moment before sending another.",
		duplicate: "I already received this message and am answering it.",
	},
	"es": {
		fallbacks: []string{
			"Lo siento, ahora mismo tengo problemas para responder. Inténtalo de nuevo en un momento.",
			"Perdona, algo ha fallado por mi parte. ¿Puedes preguntar de nuevo en breve?",
			"No he podido preparar una respuesta. Inténtalo de nuevo o contacta con nuestro equipo de soporte.",
		},
		busy:      "Todavía estoy respondiendo a tu mensaje anterior. Espera un momento antes de enviar otro.",
		duplicate: "Ya he recibido este mensaje y lo estoy respondiendo.",
	},
	"de": {
		fallbacks: []string{
			"Entschuldigung, ich kann gerade nicht antworten. Bitte versuchen Sie es gleich noch einmal.",
			"Leider ist bei mir etwas schiefgelaufen. Können Sie die Frage gleich noch einmal stellen?",
			"Ich konnte gerade keine Antwort erstellen. Bitte versuchen Sie es erneut oder wenden Sie sich an unseren Support.",
		},
		busy:      "Ich bearbeite noch Ihre vorherige Nachricht. Bitte warten Sie einen Moment.",
		duplicate: "Diese Nachricht habe ich bereits erhalten und beantworte sie gerade.",
	},
	"fr": {
		fallbacks: []string{
			"Désolé, j'ai du mal à répondre pour le moment. Veuillez réessayer dans un instant.",
			"Désolé, un problème est survenu de mon côté. Pouvez-vous reposer la question dans un moment ?",
			"Je n'ai pas pu préparer de réponse. Veuillez réessayer ou contacter notre équipe d'assistance.",
		},
		busy:      "Je traite encore votre message précédent. Merci de patienter un instant.",
		duplicate: "J'ai déjà reçu ce message et je suis en train d'y répondre.",
	},
}

func cannedFor(locale string) cannedReplies {
	if c, ok := canned[router.Locale(locale)]; ok {
		return c
	}
	return canned["en"]
}

// fallbackReply picks a fallback deterministically from seed.
func fallbackReply(locale, seed string) string {
	pool := cannedFor(locale).fallbacks
	h := fnv.New32a()
	h.Write([]byte(seed))
	return pool[h.Sum32()%uint32(len(pool))]
}

// Boilerplate lists every canned reply so that it can be stripped from
// conversation history before reuse.
func Boilerplate() []string {
	var out []string
	for _, c := range canned {
		out = append(out, c.fallbacks...)
		out = append(out, c.busy, c.duplicate)
	}
	return out
}
