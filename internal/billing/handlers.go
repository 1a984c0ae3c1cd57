package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diatonic-ai/nexus-metering/internal/store"
	"github.com/diatonic-ai/nexus-metering/pkg/events"
	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// tenantMetadataKey is the Stripe metadata key carrying our tenant id on
// customers, subscriptions and checkout sessions.
const tenantMetadataKey = "tenant_id"

// Handlers holds the domain handlers the router dispatches to. Every tenant
// mutation funnels through the TenantStore; nothing else in the pipeline
// writes tenant state.
type Handlers struct {
	tenants store.TenantStore
	bus     *events.Bus
	logger  *zap.Logger
}

// NewHandlers creates the webhook domain handlers.
func NewHandlers(tenants store.TenantStore, bus *events.Bus, logger *zap.Logger) *Handlers {
	return &Handlers{tenants: tenants, bus: bus, logger: logger}
}

// Register binds every handled event type on the router.
func (h *Handlers) Register(r *Router) {
	r.Register("customer.subscription.created", h.SubscriptionUpserted)
	r.Register("customer.subscription.updated", h.SubscriptionUpserted)
	r.Register("customer.subscription.deleted", h.SubscriptionDeleted)
	r.Register("invoice.payment_succeeded", h.InvoicePaymentSucceeded)
	r.Register("invoice.payment_failed", h.InvoicePaymentFailed)
	r.Register("checkout.session.completed", h.CheckoutCompleted)
	r.Register("customer.created", h.CustomerUpserted)
	r.Register("customer.updated", h.CustomerUpserted)
}

// SubscriptionUpserted handles subscription created/updated events with a
// pure overwrite of the tenant's plan, subscription linkage and limits
// snapshot. Re-processing the same event writes the same record, so the
// handler is idempotent by construction.
func (h *Handlers) SubscriptionUpserted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("subscription %s missing customer id", sub.ID)
	}

	var priceID, itemID string
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		itemID = item.ID
		if item.Price != nil {
			priceID = item.Price.ID
		}
	}
	plan := PlanForPrice(priceID)

	tenant, err := h.resolveTenant(ctx, sub.Customer.ID, sub.Metadata)
	if err != nil {
		return err
	}

	tenant.Plan = plan.ID
	tenant.Limits = plan.Limits
	tenant.StripeCustomerID = sub.Customer.ID
	tenant.StripeSubscriptionID = sub.ID
	tenant.SubscriptionItemID = itemID
	tenant.Status = mapSubscriptionStatus(sub.Status)

	if err := h.tenants.UpsertTenant(ctx, tenant); err != nil {
		return fmt.Errorf("failed to upsert tenant subscription: %w", err)
	}

	h.logger.Info("subscription upserted",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("customer_id", sub.Customer.ID),
		zap.String("subscription_id", sub.ID),
		zap.String("plan", plan.ID),
		zap.String("status", string(tenant.Status)),
	)

	h.publish(ctx, events.EventSubscriptionUpdated, tenant.TenantID, map[string]interface{}{
		"subscription_id": sub.ID,
		"plan":            plan.ID,
		"status":          string(tenant.Status),
	})
	return nil
}

// SubscriptionDeleted transitions the tenant toward cancellation. Data is
// kept; only the lifecycle status changes.
func (h *Handlers) SubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("subscription %s missing customer id", sub.ID)
	}

	tenant, err := h.tenants.GetTenantByCustomer(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing to cancel; ack so the provider stops redelivering.
			h.logger.Warn("subscription deleted for unknown customer",
				zap.String("customer_id", sub.Customer.ID),
			)
			return nil
		}
		return err
	}

	if err := h.tenants.SetTenantStatus(ctx, tenant.TenantID, models.TenantCanceled); err != nil {
		return fmt.Errorf("failed to cancel tenant: %w", err)
	}

	h.logger.Info("subscription canceled",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("subscription_id", sub.ID),
	)

	h.publish(ctx, events.EventSubscriptionCanceled, tenant.TenantID, map[string]interface{}{
		"subscription_id": sub.ID,
	})
	return nil
}

// InvoicePaymentSucceeded clears dunning state and restores the tenant to
// active.
func (h *Handlers) InvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return fmt.Errorf("invoice %s missing customer id", invoice.ID)
	}

	tenant, err := h.tenants.GetTenantByCustomer(ctx, invoice.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to find tenant for invoice: %w", err)
	}

	if err := h.tenants.MarkInvoicePaid(ctx, tenant.TenantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark invoice paid: %w", err)
	}

	h.logger.Info("invoice payment succeeded",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("invoice_id", invoice.ID),
		zap.Int64("amount_paid", invoice.AmountPaid),
		zap.String("currency", string(invoice.Currency)),
	)

	h.publish(ctx, events.EventPaymentSucceeded, tenant.TenantID, map[string]interface{}{
		"invoice_id": invoice.ID,
		"amount":     invoice.AmountPaid,
		"currency":   string(invoice.Currency),
	})
	return nil
}

// InvoicePaymentFailed flags the tenant for dunning. Access is not revoked
// here; the grace-period policy belongs to consumers of the published event.
func (h *Handlers) InvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return fmt.Errorf("invoice %s missing customer id", invoice.ID)
	}

	tenant, err := h.tenants.GetTenantByCustomer(ctx, invoice.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to find tenant for invoice: %w", err)
	}

	if err := h.tenants.MarkPaymentFailed(ctx, tenant.TenantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}

	h.logger.Warn("invoice payment failed",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("invoice_id", invoice.ID),
		zap.Int64("amount_due", invoice.AmountDue),
	)

	h.publish(ctx, events.EventPaymentFailed, tenant.TenantID, map[string]interface{}{
		"invoice_id": invoice.ID,
		"amount_due": invoice.AmountDue,
	})
	return nil
}

// CheckoutCompleted links a freshly checked-out customer to its tenant and
// activates the tenant.
func (h *Handlers) CheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	tenantID := session.Metadata[tenantMetadataKey]
	if tenantID == "" {
		tenantID = session.ClientReferenceID
	}
	if tenantID == "" {
		// Without a tenant reference there is nothing to link; ack it.
		h.logger.Warn("checkout session without tenant reference",
			zap.String("session_id", session.ID),
		)
		return nil
	}

	tenant, err := h.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		tenant = models.TenantConfig{
			TenantID: tenantID,
			Plan:     PlanFree.ID,
			Limits:   PlanFree.Limits,
		}
	}

	if session.Customer != nil {
		tenant.StripeCustomerID = session.Customer.ID
	}
	if session.CustomerEmail != "" {
		tenant.Email = session.CustomerEmail
	}
	tenant.Status = models.TenantActive

	if err := h.tenants.UpsertTenant(ctx, tenant); err != nil {
		return fmt.Errorf("failed to activate tenant after checkout: %w", err)
	}

	h.logger.Info("checkout completed",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", session.ID),
	)

	h.publish(ctx, events.EventTenantUpdated, tenantID, map[string]interface{}{
		"session_id": session.ID,
	})
	return nil
}

// CustomerUpserted keeps the tenant's customer linkage and contact details in
// step with the provider's customer object.
func (h *Handlers) CustomerUpserted(ctx context.Context, event stripe.Event) error {
	var customer stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &customer); err != nil {
		return fmt.Errorf("failed to unmarshal customer: %w", err)
	}

	tenant, err := h.resolveTenant(ctx, customer.ID, customer.Metadata)
	if err != nil {
		if errors.Is(err, errNoTenantReference) {
			// Customers created outside the workbench are none of our
			// business; ack and move on.
			h.logger.Info("customer event without tenant reference",
				zap.String("customer_id", customer.ID),
			)
			return nil
		}
		return err
	}

	tenant.StripeCustomerID = customer.ID
	if customer.Email != "" {
		tenant.Email = customer.Email
	}
	if customer.Name != "" {
		tenant.Name = customer.Name
	}

	if err := h.tenants.UpsertTenant(ctx, tenant); err != nil {
		return fmt.Errorf("failed to upsert tenant customer details: %w", err)
	}
	return nil
}

var errNoTenantReference = errors.New("billing: no tenant reference on provider object")

// resolveTenant finds the tenant for a customer id, falling back to the
// tenant_id metadata when the customer has not been linked yet. A metadata
// hit with no existing row creates a pending-setup tenant so webhook order
// (customer.created before checkout.session.completed) does not matter.
func (h *Handlers) resolveTenant(ctx context.Context, customerID string, metadata map[string]string) (models.TenantConfig, error) {
	tenant, err := h.tenants.GetTenantByCustomer(ctx, customerID)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.TenantConfig{}, err
	}

	tenantID := metadata[tenantMetadataKey]
	if tenantID == "" {
		return models.TenantConfig{}, errNoTenantReference
	}

	tenant, err = h.tenants.GetTenant(ctx, tenantID)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.TenantConfig{}, err
	}

	return models.TenantConfig{
		TenantID:         tenantID,
		Plan:             PlanFree.ID,
		Limits:           PlanFree.Limits,
		StripeCustomerID: customerID,
		Status:           models.TenantPendingSetup,
	}, nil
}

func (h *Handlers) publish(ctx context.Context, t events.EventType, tenantID string, payload map[string]interface{}) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, events.NewEvent(t, tenantID, payload)); err != nil {
		h.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("event_type", string(t)),
			zap.String("tenant_id", tenantID),
		)
	}
}

// mapSubscriptionStatus maps the provider's subscription status onto the
// tenant lifecycle.
func mapSubscriptionStatus(s stripe.SubscriptionStatus) models.TenantStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return models.TenantActive
	case stripe.SubscriptionStatusTrialing:
		return models.TenantActive // usage allowed during trial
	case stripe.SubscriptionStatusPastDue:
		return models.TenantPastDue
	case stripe.SubscriptionStatusUnpaid:
		return models.TenantSuspended
	case stripe.SubscriptionStatusCanceled:
		return models.TenantCanceled
	case stripe.SubscriptionStatusIncomplete:
		return models.TenantPendingSetup
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.TenantCanceled
	default:
		return models.TenantSuspended
	}
}
