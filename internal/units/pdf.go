package units

import (
	"context"
	"errors"
	"fmt"

	"github.com/muchdogesec/obstracts-sub000/internal/jobs"
	"github.com/muchdogesec/obstracts-sub000/internal/pdf"
)

// PDFProcessor renders one post to PDF. It serves PDF_INDEX jobs and the
// PDF sibling spawned by post units.
type PDFProcessor struct{ d Deps }

func (p *PDFProcessor) ValidateParams(params jobs.Params) error {
	return validateCommon(params)
}

func (p *PDFProcessor) Process(ctx context.Context, u *jobs.Unit) error {
	if p.d.PDF == nil {
		return errors.New("pdf rendering is not configured")
	}
	id, err := parsePostID(u.ItemID)
	if err != nil {
		return err
	}
	post, err := p.d.Posts.GetPost(ctx, id)
	if err != nil {
		return storeErr(err)
	}

	raw := u.Params.CookieMode
	if raw == "" {
		raw = p.d.DefaultCookieMode
	}
	mode, err := pdf.ParseCookieMode(raw)
	if err != nil {
		return err
	}

	data, err := p.d.PDF.Render(ctx, post.URL, mode)
	if err != nil {
		return fmt.Errorf("render %s: %w", post.URL, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("render %s: empty document", post.URL)
	}
	return storeErr(p.d.Posts.SavePDF(ctx, post.ID, data))
}
