// Package orchestrator sequences the agents for each conversation turn and
// owns the per-conversation session state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pharmadesk/go-medorder/internal/agents/extractor"
	"github.com/pharmadesk/go-medorder/internal/agents/policy"
	"github.com/pharmadesk/go-medorder/internal/agents/prescriptionscan"
	"github.com/pharmadesk/go-medorder/internal/agents/refill"
	"github.com/pharmadesk/go-medorder/internal/domain/catalog"
	"github.com/pharmadesk/go-medorder/internal/domain/conversation"
	"github.com/pharmadesk/go-medorder/internal/domain/order"
	"github.com/pharmadesk/go-medorder/internal/observability/metrics"
	"github.com/pharmadesk/go-medorder/internal/orderflow"
	"github.com/pharmadesk/go-medorder/pkg/convqueue"
)

// Outcome tags the result of a turn.
type Outcome string

const (
	OutcomeClarify             Outcome = "CLARIFY"
	OutcomeRejected            Outcome = "REJECTED"
	OutcomePendingPrescription Outcome = "PENDING_PRESCRIPTION"
	OutcomePreview             Outcome = "PREVIEW"
	OutcomeConfirmed           Outcome = "CONFIRMED"
	OutcomeCancelled           Outcome = "CANCELLED"
	OutcomeInfo                Outcome = "INFO"
)

// GenericFailureMessage is the response when a turn fails unexpectedly.
const GenericFailureMessage = "Something went wrong on our side. Please try again."

// TurnResult is the structured outcome of one chat turn. Every turn produces
// one, including failures.
type TurnResult struct {
	Outcome  Outcome                        `json:"outcome"`
	Response string                         `json:"response"`
	State    conversation.Phase             `json:"state"`
	Entities []conversation.ExtractedEntity `json:"extracted_entities,omitempty"`
	Safety   *policy.Decision               `json:"safety_result,omitempty"`
	Preview  *order.Preview                 `json:"order_preview,omitempty"`
	Order    *order.Order                   `json:"order,omitempty"`
}

// UploadResult is the outcome of a prescription upload.
type UploadResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Preview *order.Preview `json:"order_preview,omitempty"`
}

var confirmWords = map[string]bool{
	"confirm": true, "yes": true, "proceed": true, "ok": true,
	"place order": true, "place the order": true, "go ahead": true,
	"continue": true, "submit": true, "approve": true, "done": true,
	"complete": true,
}

var cancelWords = map[string]bool{
	"cancel": true, "no": true, "stop": true, "abort": true,
	"never mind": true, "nevermind": true,
}

// Deps are the collaborators the orchestrator sequences.
type Deps struct {
	Conversations conversation.Store
	Catalog       catalog.Store
	Orders        order.Store
	Extractor     *extractor.Extractor
	Policy        *policy.Engine
	Prescriptions *prescriptionscan.Validator
	Refills       *refill.Predictor
	Builder       *orderflow.Builder
	Queue         *convqueue.Dispatcher
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Orchestrator is the per-turn state machine. All turns for one
// (user, patient) conversation run strictly sequentially through the queue;
// different conversations proceed in parallel.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// PrescriptionValidity is how long an accepted upload counts as on file.
const PrescriptionValidity = prescriptionscan.ValidityDays * 24 * time.Hour

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func conversationKey(userID, patientID string) string {
	return userID + "/" + patientID
}

// HandleMessage processes one user chat turn. It always returns a TurnResult;
// an error is returned only when the conversation could not be loaded at all.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, patientID, patientName, text string) (*TurnResult, error) {
	run := func(ctx context.Context) (interface{}, error) {
		return o.turn(ctx, userID, patientID, patientName, text)
	}

	var (
		v   interface{}
		err error
	)
	if o.deps.Queue != nil {
		v, err = o.deps.Queue.Do(ctx, conversationKey(userID, patientID), run)
	} else {
		v, err = run(ctx)
	}
	if err != nil {
		return nil, err
	}
	return v.(*TurnResult), nil
}

// HandlePrescriptionUpload processes an uploaded prescription image for the
// pending prescription flow.
func (o *Orchestrator) HandlePrescriptionUpload(ctx context.Context, userID, patientID, medicineID string, image []byte) (*UploadResult, error) {
	run := func(ctx context.Context) (interface{}, error) {
		return o.upload(ctx, userID, patientID, medicineID, image)
	}

	var (
		v   interface{}
		err error
	)
	if o.deps.Queue != nil {
		v, err = o.deps.Queue.Do(ctx, conversationKey(userID, patientID), run)
	} else {
		v, err = run(ctx)
	}
	if err != nil {
		return nil, err
	}
	return v.(*UploadResult), nil
}

func (o *Orchestrator) turn(ctx context.Context, userID, patientID, patientName, text string) (*TurnResult, error) {
	conv, err := o.deps.Conversations.GetOrCreate(ctx, userID, patientID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	session := conv.Session

	o.appendMessage(ctx, conv.ID, conversation.SenderUser, text, conversation.MessageChat, nil)

	var result *TurnResult
	switch session.Phase {
	case conversation.PhaseAwaitingConfirmation:
		result = o.confirmationTurn(ctx, conv, patientName, text)
	case conversation.PhaseAwaitingPrescription:
		result = o.prescriptionPhaseTurn(ctx, conv, patientName, text)
	default:
		result = o.extractionTurn(ctx, conv, patientName, text)
	}

	if err := o.deps.Conversations.SaveSession(ctx, conv.ID, session); err != nil {
		o.logger.Error("saving session failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	msgType := conversation.MessageChat
	if result.Outcome == OutcomeConfirmed || result.Outcome == OutcomePreview {
		msgType = conversation.MessageOrderSummary
	}
	o.appendMessage(ctx, conv.ID, conversation.SenderAssistant, result.Response, msgType, result)

	return result, nil
}

// confirmationTurn handles input while a preview is awaiting confirmation.
// Only the fixed confirm/cancel vocabularies are matched; anything else
// discards the preview and starts a fresh extraction.
func (o *Orchestrator) confirmationTurn(ctx context.Context, conv *conversation.Conversation, patientName, text string) *TurnResult {
	session := conv.Session
	normalized := normalize(text)

	switch {
	case confirmWords[normalized]:
		return o.finalize(ctx, conv, patientName)
	case cancelWords[normalized]:
		session.PendingPreviewID = ""
		session.Entities = nil
		session.Phase = conversation.PhaseAwaitingInput
		return &TurnResult{
			Outcome:  OutcomeCancelled,
			Response: "Order cancelled. Is there anything else I can help you with?",
			State:    session.Phase,
		}
	default:
		session.PendingPreviewID = ""
		session.Phase = conversation.PhaseAwaitingInput
		return o.extractionTurn(ctx, conv, patientName, text)
	}
}

// prescriptionPhaseTurn handles a chat message while an upload is pending.
// Any message other than an explicit cancel abandons the pending flow and is
// processed as a fresh request.
func (o *Orchestrator) prescriptionPhaseTurn(ctx context.Context, conv *conversation.Conversation, patientName, text string) *TurnResult {
	session := conv.Session
	session.PendingMedicineID = ""
	session.Phase = conversation.PhaseAwaitingInput

	if cancelWords[normalize(text)] {
		session.Entities = nil
		return &TurnResult{
			Outcome:  OutcomeCancelled,
			Response: "No problem, I've cancelled that request. Is there anything else I can help you with?",
			State:    session.Phase,
		}
	}
	return o.extractionTurn(ctx, conv, patientName, text)
}

func (o *Orchestrator) extractionTurn(ctx context.Context, conv *conversation.Conversation, patientName, text string) *TurnResult {
	session := conv.Session

	start := o.now()
	result := o.deps.Extractor.Extract(ctx, text, session.Entities, o.recentTurns(ctx, conv.ID))
	o.observeAgent("extractor", start)
	if result.NeedsClarification {
		// Entities are retained so the next turn can resolve anaphora.
		if len(result.Entities) > 0 {
			session.Entities = &conversation.EntityState{Entities: result.Entities, UpdatedAt: o.now()}
		}
		return &TurnResult{
			Outcome:  OutcomeClarify,
			Response: result.ClarificationMessage,
			State:    session.Phase,
			Entities: result.Entities,
		}
	}

	session.Entities = &conversation.EntityState{Entities: result.Entities, UpdatedAt: o.now()}
	return o.checkAndPreview(ctx, conv, patientName, result.Entities)
}

// checkAndPreview runs inventory resolution, the policy engine, and preview
// construction for a set of extracted entities.
func (o *Orchestrator) checkAndPreview(ctx context.Context, conv *conversation.Conversation, patientName string, entities []conversation.ExtractedEntity) *TurnResult {
	session := conv.Session

	lines, notes, unknown := o.resolve(ctx, entities)
	if len(unknown) > 0 {
		return &TurnResult{
			Outcome: OutcomeClarify,
			Response: fmt.Sprintf("I couldn't find %s in our catalog. Could you check the spelling or try another medicine?",
				strings.Join(unknown, ", ")),
			State:    session.Phase,
			Entities: entities,
		}
	}
	if len(lines) == 0 {
		session.Entities = nil
		return &TurnResult{
			Outcome:  OutcomeInfo,
			Response: strings.Join(notes, " "),
			State:    session.Phase,
			Entities: entities,
		}
	}

	history, err := o.deps.Orders.ListByPatient(ctx, conv.PatientID)
	if err != nil {
		o.logger.Warn("order history unavailable", zap.String("patient_id", conv.PatientID), zap.Error(err))
	}

	// Too-early reorders are surfaced as a warning, never a block.
	for _, line := range lines {
		if o.deps.Refills != nil && o.deps.Refills.TooEarly(line.Medicine, history, o.now()) {
			notes = append(notes, fmt.Sprintf(
				"Note: your last order of %s should still have supply remaining.", line.Medicine.Name))
		}
	}

	policyStart := o.now()
	decision := o.deps.Policy.Evaluate(policy.Request{
		Items:              policyLines(lines),
		RecentMedicines:    recentMedicines(history),
		ValidPrescriptions: o.prescriptionsOnFile(session),
	})
	o.observeAgent("policy", policyStart)
	if o.deps.Metrics != nil {
		o.deps.Metrics.PolicyDecisions.WithLabelValues(string(decision.Verdict)).Inc()
	}

	if decision.Verdict == policy.VerdictReject {
		if decision.RequiresPrescription {
			return o.enterPrescriptionPhase(conv, lines, &decision, entities)
		}
		session.Entities = nil
		return &TurnResult{
			Outcome:  OutcomeRejected,
			Response: "I can't place this order: " + strings.Join(decision.Reasons, "; ") + ".",
			State:    session.Phase,
			Entities: entities,
			Safety:   &decision,
		}
	}

	preview, err := o.deps.Builder.BuildPreview(ctx, conv.PatientID, patientName, lines, &decision)
	if err != nil {
		if errors.Is(err, orderflow.ErrNothingToOrder) {
			session.Entities = nil
			return &TurnResult{
				Outcome:  OutcomeRejected,
				Response: "I can't place this order: " + strings.Join(decision.Reasons, "; ") + ".",
				State:    session.Phase,
				Entities: entities,
				Safety:   &decision,
			}
		}
		return o.failTurn(session, "building preview", err)
	}

	session.PendingPreviewID = preview.ID
	session.Phase = conversation.PhaseAwaitingConfirmation
	return &TurnResult{
		Outcome:  OutcomePreview,
		Response: renderPreview(preview, notes, decision.Reasons),
		State:    session.Phase,
		Entities: entities,
		Safety:   &decision,
		Preview:  preview,
	}
}

// enterPrescriptionPhase suspends the order until an upload arrives for the
// first prescription-gated blocked medicine.
func (o *Orchestrator) enterPrescriptionPhase(conv *conversation.Conversation, lines []orderflow.Line, decision *policy.Decision, entities []conversation.ExtractedEntity) *TurnResult {
	session := conv.Session

	var gated *catalog.Medicine
	for _, line := range lines {
		if decision.IsBlocked(line.Medicine.ID) {
			gated = line.Medicine
			break
		}
	}
	if gated == nil {
		gated = lines[0].Medicine
	}

	session.PendingMedicineID = gated.ID
	session.Phase = conversation.PhaseAwaitingPrescription
	return &TurnResult{
		Outcome: OutcomePendingPrescription,
		Response: fmt.Sprintf(
			"%s requires a valid prescription. Please upload a photo of your prescription to continue.", gated.Name),
		State:    session.Phase,
		Entities: entities,
		Safety:   decision,
	}
}

// finalize confirms the pending preview and commits its side effects.
func (o *Orchestrator) finalize(ctx context.Context, conv *conversation.Conversation, patientName string) *TurnResult {
	session := conv.Session
	previewID := session.PendingPreviewID

	res, err := o.deps.Builder.Finalize(ctx, previewID)
	if err != nil {
		return o.failTurn(session, "finalizing order", err)
	}

	switch {
	case res.Order != nil:
		if o.deps.Metrics != nil {
			o.deps.Metrics.OrdersFinalized.Inc()
		}
		session.PendingPreviewID = ""
		session.Entities = nil
		session.Phase = conversation.PhaseAwaitingInput
		return &TurnResult{
			Outcome:  OutcomeConfirmed,
			Response: renderOrder(res.Order),
			State:    session.Phase,
			Order:    res.Order,
		}
	case res.Reoffer != nil:
		if o.deps.Metrics != nil {
			o.deps.Metrics.StockConflicts.Inc()
		}
		session.PendingPreviewID = res.Reoffer.ID
		return &TurnResult{
			Outcome:  OutcomePreview,
			Response: renderReoffer(res.Reoffer),
			State:    session.Phase,
			Preview:  res.Reoffer,
		}
	default:
		if o.deps.Metrics != nil {
			o.deps.Metrics.StockConflicts.Inc()
		}
		session.PendingPreviewID = ""
		session.Entities = nil
		session.Phase = conversation.PhaseAwaitingInput
		return &TurnResult{
			Outcome:  OutcomeInfo,
			Response: "I'm sorry, that item just went out of stock and the order could not be placed.",
			State:    session.Phase,
		}
	}
}

func (o *Orchestrator) upload(ctx context.Context, userID, patientID, medicineID string, image []byte) (*UploadResult, error) {
	conv, err := o.deps.Conversations.GetOrCreate(ctx, userID, patientID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	session := conv.Session

	if session.Phase != conversation.PhaseAwaitingPrescription {
		return &UploadResult{Success: false, Message: "There is no pending prescription request for this conversation."}, nil
	}
	if medicineID == "" {
		medicineID = session.PendingMedicineID
	}

	med, err := o.deps.Catalog.Get(ctx, medicineID)
	if err != nil {
		return &UploadResult{Success: false, Message: "Unknown medicine for this prescription."}, nil
	}

	scanStart := o.now()
	outcome := o.deps.Prescriptions.Validate(ctx, image, med.Name)
	o.observeAgent("prescription_validator", scanStart)
	o.appendMessage(ctx, conv.ID, conversation.SenderAssistant, outcome.Message, conversation.MessageStatus, outcome)

	if !outcome.Valid {
		// Stay in the upload phase so the patient can retry.
		return &UploadResult{Success: false, Message: outcome.Message}, nil
	}

	if session.ValidPrescriptions == nil {
		session.ValidPrescriptions = make(map[string]time.Time)
	}
	session.ValidPrescriptions[med.ID] = o.now()
	session.PendingMedicineID = ""
	session.Phase = conversation.PhaseAwaitingInput

	result := &UploadResult{Success: true, Message: outcome.Message}

	// Re-run the safety checks with the prescription now on file.
	if session.Entities != nil && len(session.Entities.Entities) > 0 {
		turnRes := o.checkAndPreview(ctx, conv, "", session.Entities.Entities)
		result.Preview = turnRes.Preview
		result.Message = outcome.Message + " " + turnRes.Response
	}

	if err := o.deps.Conversations.SaveSession(ctx, conv.ID, session); err != nil {
		o.logger.Error("saving session failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return result, nil
}

// resolve maps extracted entities onto catalog medicines, separating notes
// for unavailable stock and collecting unknown names.
func (o *Orchestrator) resolve(ctx context.Context, entities []conversation.ExtractedEntity) (lines []orderflow.Line, notes []string, unknown []string) {
	for _, ent := range entities {
		med, err := catalog.Lookup(ctx, o.deps.Catalog, ent.MedicineName)
		if err != nil {
			unknown = append(unknown, ent.MedicineName)
			continue
		}

		avail, err := catalog.CheckAvailability(ctx, o.deps.Catalog, med.ID, ent.Quantity)
		if err != nil || avail.MaxAvailable == 0 {
			notes = append(notes, fmt.Sprintf("%s is currently out of stock.", med.Name))
			continue
		}

		qty := ent.Quantity
		if qty > avail.MaxAvailable {
			notes = append(notes, fmt.Sprintf(
				"Only %d units of %s are in stock, so I've adjusted the quantity.", avail.MaxAvailable, med.Name))
			qty = avail.MaxAvailable
		}
		lines = append(lines, orderflow.Line{Medicine: med, Quantity: qty})
	}
	return lines, notes, unknown
}

func (o *Orchestrator) prescriptionsOnFile(session *conversation.Session) map[string]bool {
	if len(session.ValidPrescriptions) == 0 {
		return nil
	}
	now := o.now()
	onFile := make(map[string]bool, len(session.ValidPrescriptions))
	for id := range session.ValidPrescriptions {
		if session.HasValidPrescription(id, now, PrescriptionValidity) {
			onFile[id] = true
		}
	}
	return onFile
}

// recentTurns returns the tail of the conversation history for extraction
// context. History failures degrade to extraction without context.
func (o *Orchestrator) recentTurns(ctx context.Context, conversationID string) []extractor.Turn {
	msgs, err := o.deps.Conversations.History(ctx, conversationID)
	if err != nil {
		o.logger.Warn("history unavailable", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	turns := make([]extractor.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, extractor.Turn{Role: string(m.Sender), Text: m.Text})
	}
	return turns
}

// failTurn logs an unexpected failure and rolls the session back to the
// initial phase so the patient can retry.
func (o *Orchestrator) failTurn(session *conversation.Session, action string, err error) *TurnResult {
	o.logger.Error("turn failed", zap.String("action", action), zap.Error(err))
	session.PendingPreviewID = ""
	session.Phase = conversation.PhaseAwaitingInput
	return &TurnResult{
		Outcome:  OutcomeInfo,
		Response: GenericFailureMessage,
		State:    session.Phase,
	}
}

func (o *Orchestrator) observeAgent(agent string, start time.Time) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.AgentDuration.WithLabelValues(agent).Observe(o.now().Sub(start).Seconds())
}

func (o *Orchestrator) appendMessage(ctx context.Context, conversationID string, sender conversation.Sender, text string, msgType conversation.MessageType, metadata interface{}) {
	msg := &conversation.Message{
		ID:     uuid.New().String(),
		Sender: sender,
		Text:   text,
		Type:   msgType,
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			msg.Metadata = raw
		}
	}
	if err := o.deps.Conversations.AppendMessage(ctx, conversationID, msg); err != nil {
		o.logger.Error("appending message failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(s, ".!")
}

func policyLines(lines []orderflow.Line) []policy.Line {
	out := make([]policy.Line, len(lines))
	for i, l := range lines {
		out[i] = policy.Line{Medicine: l.Medicine, Quantity: l.Quantity}
	}
	return out
}

// recentMedicines flattens order history into medicine names for the
// interaction check.
func recentMedicines(history []*order.Order) []string {
	seen := make(map[string]bool)
	var names []string
	for _, o := range history {
		if o.Status == order.StatusCancelled || o.Status == order.StatusBlocked {
			continue
		}
		for _, item := range o.Items {
			if !seen[item.MedicineName] {
				seen[item.MedicineName] = true
				names = append(names, item.MedicineName)
			}
		}
	}
	return names
}

func renderPreview(p *order.Preview, notes, reasons []string) string {
	var b strings.Builder
	b.WriteString("Here's your order summary:\n")
	for _, item := range p.Items {
		fmt.Fprintf(&b, "- %s x%d @ %.2f = %.2f\n", item.MedicineName, item.Quantity, item.UnitPrice, item.TotalPrice)
	}
	fmt.Fprintf(&b, "Total: %.2f\n", p.TotalAmount)
	for _, n := range notes {
		b.WriteString(n + "\n")
	}
	for _, r := range reasons {
		b.WriteString(r + "\n")
	}
	b.WriteString(`Reply "confirm" to place the order or "cancel" to discard it.`)
	return b.String()
}

func renderReoffer(p *order.Preview) string {
	var b strings.Builder
	b.WriteString("Stock changed while you were confirming. Here's what I can offer now:\n")
	for _, item := range p.Items {
		fmt.Fprintf(&b, "- %s x%d = %.2f\n", item.MedicineName, item.Quantity, item.TotalPrice)
	}
	fmt.Fprintf(&b, "Total: %.2f\n", p.TotalAmount)
	b.WriteString(`Reply "confirm" to place this adjusted order or "cancel" to discard it.`)
	return b.String()
}

func renderOrder(o *order.Order) string {
	return fmt.Sprintf("Your order %s has been placed. Total: %.2f. You'll receive a confirmation shortly.",
		o.ID, o.TotalAmount)
}
