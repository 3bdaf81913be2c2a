// Package labels maps entity statuses to display text for clients.
// It is a pure lookup: nothing in the engine reads it back.
package labels

import (
	"strings"

	"github.com/mbd888/escrowd/internal/domain"
)

// Kind names the entity a status belongs to.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindOffer       Kind = "offer"
	KindListing     Kind = "listing"
	KindEscrow      Kind = "escrow"
	KindPayout      Kind = "payout"
)

// Kinds lists every kind with labels.
var Kinds = []Kind{KindTransaction, KindOffer, KindListing, KindEscrow, KindPayout}

// Tone hints how a client should color the label.
type Tone string

const (
	ToneNeutral Tone = "neutral"
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
)

// Language tags with translations. DefaultLang is used for anything else.
const (
	LangEN      = "en"
	LangPTBR    = "pt-BR"
	DefaultLang = LangEN
)

// Label is the display form of a status.
type Label struct {
	Status string `json:"status"`
	Text   string `json:"text"`
	Tone   Tone   `json:"tone"`
}

type entry struct {
	tone Tone
	text map[string]string
}

func e(tone Tone, en, pt string) entry {
	return entry{tone: tone, text: map[string]string{LangEN: en, LangPTBR: pt}}
}

var table = map[Kind]map[string]entry{
	KindTransaction: {
		string(domain.TxInitiated):        e(ToneNeutral, "Started", "Iniciada"),
		string(domain.TxAwaitingPayment):  e(ToneWarning, "Awaiting payment", "Aguardando pagamento"),
		string(domain.TxPaymentConfirmed): e(ToneInfo, "Payment confirmed", "Pagamento confirmado"),
		string(domain.TxEscrowHeld):       e(ToneInfo, "Payment held in escrow", "Pagamento retido em garantia"),
		string(domain.TxTransferPending):  e(ToneInfo, "Awaiting receipt", "Aguardando confirmação de recebimento"),
		string(domain.TxCompleted):        e(ToneSuccess, "Completed", "Concluída"),
		string(domain.TxDisputeOpened):    e(ToneDanger, "In dispute", "Em disputa"),
		string(domain.TxDisputeResolved):  e(ToneInfo, "Dispute resolved", "Disputa resolvida"),
		string(domain.TxCancelled):        e(ToneNeutral, "Cancelled", "Cancelada"),
		string(domain.TxRefunded):         e(ToneWarning, "Refunded", "Reembolsada"),
	},
	KindOffer: {
		string(domain.OfferPending):   e(ToneWarning, "Pending", "Pendente"),
		string(domain.OfferAccepted):  e(ToneSuccess, "Accepted", "Aceita"),
		string(domain.OfferRejected):  e(ToneDanger, "Rejected", "Recusada"),
		string(domain.OfferCountered): e(ToneInfo, "Counter offer", "Contraproposta"),
		string(domain.OfferExpired):   e(ToneNeutral, "Expired", "Expirada"),
		string(domain.OfferCancelled): e(ToneNeutral, "Withdrawn", "Cancelada"),
	},
	KindListing: {
		string(domain.ListingDraft):         e(ToneNeutral, "Draft", "Rascunho"),
		string(domain.ListingPendingReview): e(ToneWarning, "Under review", "Em análise"),
		string(domain.ListingActive):        e(ToneSuccess, "For sale", "À venda"),
		string(domain.ListingSold):          e(ToneInfo, "Sold", "Vendido"),
		string(domain.ListingExpired):       e(ToneNeutral, "Expired", "Expirado"),
		string(domain.ListingCancelled):     e(ToneNeutral, "Cancelled", "Cancelado"),
		string(domain.ListingSuspended):     e(ToneDanger, "Suspended", "Suspenso"),
	},
	KindEscrow: {
		"held":               e(ToneInfo, "Held", "Retido"),
		"released_to_seller": e(ToneSuccess, "Released to seller", "Liberado ao vendedor"),
		"refunded_to_buyer":  e(ToneWarning, "Refunded to buyer", "Devolvido ao comprador"),
	},
	KindPayout: {
		string(domain.PayoutPending): e(ToneWarning, "Processing", "Processando"),
		string(domain.PayoutSent):    e(ToneSuccess, "Paid", "Pago"),
		string(domain.PayoutFailed):  e(ToneDanger, "Failed", "Falhou"),
	},
}

// NormalizeLang maps a language tag or Accept-Language value to a
// supported language. "pt", "pt-br" and "pt-PT" all map to pt-BR.
func NormalizeLang(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, ",;"); i >= 0 {
		lang = lang[:i]
	}
	if strings.HasPrefix(strings.ToLower(lang), "pt") {
		return LangPTBR
	}
	return DefaultLang
}

// For returns the label for status. Unknown statuses come back as their
// raw value with a neutral tone, so a newer server never breaks an older
// label table.
func For(kind Kind, status, lang string) Label {
	lang = NormalizeLang(lang)
	ent, ok := table[kind][status]
	if !ok {
		return Label{Status: status, Text: status, Tone: ToneNeutral}
	}
	return Label{Status: status, Text: ent.text[lang], Tone: ent.tone}
}

// All returns every label of kind in lang.
func All(kind Kind, lang string) []Label {
	statuses := statusOrder[kind]
	out := make([]Label, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, For(kind, s, lang))
	}
	return out
}

// KnownKind reports whether kind has labels.
func KnownKind(kind Kind) bool {
	_, ok := table[kind]
	return ok
}

var statusOrder = map[Kind][]string{
	KindTransaction: toStrings(domain.AllTransactionStatuses),
	KindOffer: {
		string(domain.OfferPending), string(domain.OfferCountered), string(domain.OfferAccepted),
		string(domain.OfferRejected), string(domain.OfferExpired), string(domain.OfferCancelled),
	},
	KindListing: {
		string(domain.ListingDraft), string(domain.ListingPendingReview), string(domain.ListingActive),
		string(domain.ListingSold), string(domain.ListingExpired), string(domain.ListingCancelled),
		string(domain.ListingSuspended),
	},
	KindEscrow: {"held", "released_to_seller", "refunded_to_buyer"},
	KindPayout: {string(domain.PayoutPending), string(domain.PayoutSent), string(domain.PayoutFailed)},
}

func toStrings(in []domain.TransactionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
