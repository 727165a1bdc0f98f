package cloudflare

import (
	"context"
	"fmt"

	cf "github.com/cloudflare/cloudflare-go"
)

// TokenStatus is the result of /user/tokens/verify.
type TokenStatus struct {
	ID     string
	Status string
}

type Account struct {
	ID   string
	Name string
}

type Namespace struct {
	ID    string
	Title string
}

// Script describes a module Worker upload.
type Script struct {
	Name              string
	Source            string
	CompatibilityDate string
	// KVNamespaces maps binding names to namespace IDs.
	KVNamespaces map[string]string
}

const secretTextType = cf.WorkerSecretTextBindingType

// VerifyToken checks the API token itself. A token whose status is not
// "active" is reported as an APIError carrying the 2xx status.
func (c *Client) VerifyToken(ctx context.Context) (TokenStatus, error) {
	const op = "verify token"
	if err := c.ready(op); err != nil {
		return TokenStatus{}, err
	}
	body, err := c.api.VerifyAPIToken(ctx)
	if err != nil {
		return TokenStatus{}, c.wrap(op, err)
	}
	ts := TokenStatus{ID: body.ID, Status: body.Status}
	if ts.Status != "active" {
		status, _ := c.rec.last()
		return ts, &APIError{Op: op, Status: status, Messages: []string{fmt.Sprintf("token is not active (status %q)", ts.Status)}}
	}
	return ts, nil
}

// FirstAccount returns the first account visible to the token, or
// ok=false when there is none.
func (c *Client) FirstAccount(ctx context.Context) (Account, bool, error) {
	const op = "list accounts"
	if err := c.ready(op); err != nil {
		return Account{}, false, err
	}
	accounts, _, err := c.api.Accounts(ctx, cf.AccountsListParams{
		PaginationOptions: cf.PaginationOptions{PerPage: 1},
	})
	if err != nil {
		return Account{}, false, c.wrap(op, err)
	}
	if len(accounts) == 0 {
		return Account{}, false, nil
	}
	return Account{ID: accounts[0].ID, Name: accounts[0].Name}, true, nil
}

// ListNamespaces returns every KV namespace of the account, following
// pagination to the last page.
func (c *Client) ListNamespaces(ctx context.Context, accountID string) ([]Namespace, error) {
	const op = "list namespaces"
	if err := require(op, [2]string{"account id", accountID}); err != nil {
		return nil, err
	}
	if err := c.ready(op); err != nil {
		return nil, err
	}
	list, _, err := c.api.ListWorkersKVNamespaces(ctx, cf.AccountIdentifier(accountID), cf.ListWorkersKVNamespacesParams{})
	if err != nil {
		return nil, c.wrap(op, err)
	}
	out := make([]Namespace, 0, len(list))
	for _, n := range list {
		out = append(out, Namespace{ID: n.ID, Title: n.Title})
	}
	return out, nil
}

func (c *Client) CreateNamespace(ctx context.Context, accountID, title string) (Namespace, error) {
	const op = "create namespace"
	if err := require(op, [2]string{"account id", accountID}, [2]string{"title", title}); err != nil {
		return Namespace{}, err
	}
	if err := c.ready(op); err != nil {
		return Namespace{}, err
	}
	resp, err := c.api.CreateWorkersKVNamespace(ctx, cf.AccountIdentifier(accountID), cf.CreateWorkersKVNamespaceParams{Title: title})
	if err != nil {
		return Namespace{}, c.wrap(op, err)
	}
	if resp.Result.ID == "" {
		return Namespace{}, fmt.Errorf("%s: response has no namespace id", op)
	}
	return Namespace{ID: resp.Result.ID, Title: resp.Result.Title}, nil
}

// EnsureNamespace looks a namespace up by title and creates it when absent.
// created reports whether a new namespace was made.
func (c *Client) EnsureNamespace(ctx context.Context, accountID, title string) (ns Namespace, created bool, err error) {
	list, err := c.ListNamespaces(ctx, accountID)
	if err != nil {
		return Namespace{}, false, err
	}
	for _, n := range list {
		if n.Title == title {
			return n, false, nil
		}
	}
	ns, err = c.CreateNamespace(ctx, accountID, title)
	if err != nil {
		return Namespace{}, false, err
	}
	return ns, true, nil
}

// PutValue writes a KV value, overwriting any previous one.
func (c *Client) PutValue(ctx context.Context, accountID, namespaceID, key, value string) error {
	const op = "write kv value"
	if err := require(op, [2]string{"account id", accountID}, [2]string{"namespace id", namespaceID}, [2]string{"key", key}); err != nil {
		return err
	}
	if err := c.ready(op); err != nil {
		return err
	}
	_, err := c.api.WriteWorkersKVEntry(ctx, cf.AccountIdentifier(accountID), cf.WriteWorkersKVEntryParams{
		NamespaceID: namespaceID,
		Key:         key,
		Value:       []byte(value),
	})
	return c.wrap(op, err)
}

// UploadScript creates or replaces a module Worker.
func (c *Client) UploadScript(ctx context.Context, accountID string, s Script) error {
	const op = "upload worker"
	if err := require(op, [2]string{"account id", accountID}, [2]string{"script name", s.Name}, [2]string{"source", s.Source}); err != nil {
		return err
	}
	if err := c.ready(op); err != nil {
		return err
	}
	bindings := make(map[string]cf.WorkerBinding, len(s.KVNamespaces))
	for name, id := range s.KVNamespaces {
		if id == "" {
			return fmt.Errorf("%s: %w: namespace id for binding %s", op, ErrMissingField, name)
		}
		bindings[name] = cf.WorkerKvNamespaceBinding{NamespaceID: id}
	}
	_, err := c.api.UploadWorker(ctx, cf.AccountIdentifier(accountID), cf.CreateWorkerParams{
		ScriptName:        s.Name,
		Script:            s.Source,
		Module:            true,
		CompatibilityDate: s.CompatibilityDate,
		Bindings:          bindings,
	})
	return c.wrap(op, err)
}

// SetSchedules replaces the script's cron triggers with exactly crons.
func (c *Client) SetSchedules(ctx context.Context, accountID, script string, crons ...string) error {
	const op = "set schedules"
	if err := require(op, [2]string{"account id", accountID}, [2]string{"script name", script}); err != nil {
		return err
	}
	if len(crons) == 0 {
		return fmt.Errorf("%s: %w: cron", op, ErrMissingField)
	}
	if err := c.ready(op); err != nil {
		return err
	}
	triggers := make([]cf.WorkerCronTrigger, 0, len(crons))
	for _, cr := range crons {
		triggers = append(triggers, cf.WorkerCronTrigger{Cron: cr})
	}
	_, err := c.api.UpdateWorkerCronTriggers(ctx, cf.AccountIdentifier(accountID), cf.UpdateWorkerCronTriggersParams{
		ScriptName: script,
		Crons:      triggers,
	})
	return c.wrap(op, err)
}

// PutSecret creates or replaces a secret_text binding on the script.
func (c *Client) PutSecret(ctx context.Context, accountID, script, name, text string) error {
	op := fmt.Sprintf("secret %q", name)
	if err := require(op, [2]string{"account id", accountID}, [2]string{"script name", script}, [2]string{"secret name", name}); err != nil {
		return err
	}
	if err := c.ready(op); err != nil {
		return err
	}
	_, err := c.api.SetWorkersSecret(ctx, cf.AccountIdentifier(accountID), cf.SetWorkersSecretParams{
		ScriptName: script,
		Secret:     &cf.WorkersPutSecretRequest{Name: name, Text: text, Type: secretTextType},
	})
	return c.wrap(op, err)
}
